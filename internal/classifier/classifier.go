// Package classifier implements the Topic Classifier (C6): a single-shot
// taxonomy induction pass over every discussion already recorded for a room,
// assigning each one to one or more named topics via one Model Gateway (C2)
// call. Grounded on the Discussion Analyzer's (C5) orchestration shape —
// store + gateway wired into one struct with a single Run entry point,
// warnings logged via zerolog rather than returned — generalized from C5's
// per-window loop down to a single request since taxonomy induction runs
// once per invocation rather than window by window.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"archivecore/internal/archive"
	"archivecore/internal/modelgateway"
)

// maxTopicsPerDiscussion bounds how many topic names from one assignment are
// applied, matching the taxonomy's "1-3 topics per discussion" guidance.
const maxTopicsPerDiscussion = 3

// Report is the termination payload for one classification run.
type Report struct {
	DiscussionsClassified int
	TopicsCreated         int
	TopicsReused          int
	OrphansDeleted        int
	TotalTokens           int
	// NewTopicIDs are the topics created this run, for the caller to hand to
	// the Embedding Indexer (C7) once the run commits.
	NewTopicIDs []string
}

// Classifier wires the Archive Store and Model Gateway together for one
// room's topic-taxonomy induction run.
type Classifier struct {
	store   archive.Store
	gateway *modelgateway.Gateway
}

// New builds a Classifier over store and gateway.
func New(store archive.Store, gateway *modelgateway.Gateway) *Classifier {
	return &Classifier{store: store, gateway: gateway}
}

// Run induces (or refreshes) roomID's topic taxonomy: every discussion in the
// room is sent to the model in one call alongside the room's existing topics,
// the returned assignments are applied by clearing and reapplying each
// discussion's topic links, and topics left with no discussions afterward are
// deleted.
func (c *Classifier) Run(ctx context.Context, roomID, runID string) (Report, error) {
	discussions, err := c.store.Discussions().ListByRoom(ctx, roomID)
	if err != nil {
		return Report{}, fmt.Errorf("list discussions: %w", err)
	}
	if len(discussions) == 0 {
		return Report{}, nil
	}
	discByID := make(map[string]archive.Discussion, len(discussions))
	for _, d := range discussions {
		discByID[d.ID] = d
	}

	existingTopics, err := c.store.Topics().ListByRoom(ctx, roomID)
	if err != nil {
		return Report{}, fmt.Errorf("list existing topics: %w", err)
	}
	existingIDs := make(map[string]bool, len(existingTopics))
	for _, t := range existingTopics {
		existingIDs[t.ID] = true
	}

	prompt := composePrompt(discussions, existingTopics)
	result, err := c.gateway.Generate(ctx, modelgateway.GenerateRequest{
		SystemInstruction: "You induce a topic taxonomy over a set of chat discussions and assign each discussion 1-3 topics. Reuse existing topic names where they fit. Respond only with the requested JSON.",
		Prompt:            prompt,
		ResponseSchema:    json.RawMessage(responseSchema),
		Temperature:       0.2,
		MaxOutputTokens:   4096,
	}, nil, runID)
	if err != nil {
		return Report{}, fmt.Errorf("classify topics: %w", err)
	}

	var resp classifyResponse
	if err := json.Unmarshal(result.Structured, &resp); err != nil {
		return Report{}, fmt.Errorf("BAD_MODEL_OUTPUT: unmarshal topic classification response: %w", err)
	}

	nameToID := map[string]string{}
	var newTopicIDs []string
	resolveTopic := func(name, description string) (string, error) {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return "", fmt.Errorf("empty topic name")
		}
		if id, ok := nameToID[key]; ok {
			return id, nil
		}
		t, err := c.store.Topics().UpsertByName(ctx, roomID, strings.TrimSpace(name), description, "")
		if err != nil {
			return "", err
		}
		nameToID[key] = t.ID
		if !existingIDs[t.ID] {
			newTopicIDs = append(newTopicIDs, t.ID)
			existingIDs[t.ID] = true
		}
		return t.ID, nil
	}

	for _, tc := range resp.Topics {
		if _, err := resolveTopic(tc.Name, tc.Description); err != nil {
			log.Warn().Str("name", tc.Name).Err(err).Msg("topic classifier: skipping unnamed topic candidate")
		}
	}

	// Clear every discussion's topic links before reapplying below, so a
	// discussion the model omits from its assignments doesn't keep a stale
	// link to a topic DeleteOrphans would otherwise consider still in use.
	for _, d := range discussions {
		if err := c.store.Topics().SetDiscussionTopics(ctx, d.ID, nil); err != nil {
			return Report{}, fmt.Errorf("STORE_ERROR: clear discussion topics: %w", err)
		}
	}

	classified := 0
	for _, asg := range resp.Assignments {
		if _, ok := discByID[asg.DiscussionID]; !ok {
			log.Warn().Str("discussion_id", asg.DiscussionID).Msg("topic classifier: assignment referenced an unknown discussion, dropped")
			continue
		}
		names := asg.TopicNames
		if len(names) > maxTopicsPerDiscussion {
			names = names[:maxTopicsPerDiscussion]
		}
		topicIDs := make([]string, 0, len(names))
		for _, name := range names {
			id, err := resolveTopic(name, "")
			if err != nil {
				log.Warn().Str("discussion_id", asg.DiscussionID).Str("name", name).Err(err).
					Msg("topic classifier: skipping unresolvable topic name")
				continue
			}
			topicIDs = append(topicIDs, id)
		}
		if err := c.store.Topics().SetDiscussionTopics(ctx, asg.DiscussionID, topicIDs); err != nil {
			return Report{}, fmt.Errorf("STORE_ERROR: set discussion topics: %w", err)
		}
		classified++
	}

	orphans, err := c.store.Topics().DeleteOrphans(ctx, roomID)
	if err != nil {
		return Report{}, fmt.Errorf("STORE_ERROR: delete orphan topics: %w", err)
	}

	return Report{
		DiscussionsClassified: classified,
		TopicsCreated:         len(newTopicIDs),
		TopicsReused:          len(nameToID) - len(newTopicIDs),
		OrphansDeleted:        orphans,
		TotalTokens:           result.Usage.PromptTokens + result.Usage.OutputTokens,
		NewTopicIDs:           newTopicIDs,
	}, nil
}

func composePrompt(discussions []archive.Discussion, existingTopics []archive.Topic) string {
	body := promptBody{}
	for _, d := range discussions {
		body.Discussions = append(body.Discussions, promptDiscussion{ID: d.ID, Title: d.Title, Summary: d.Summary})
	}
	for _, t := range existingTopics {
		body.ExistingTopics = append(body.ExistingTopics, promptTopic{Name: t.Name})
	}
	return marshalPrompt(body)
}
