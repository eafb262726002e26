// Package analyzer implements the Discussion Analyzer (C5): the worker that
// drives the Window Stream (C3) across a room, classifies each window's
// messages into discussions via the Model Gateway (C2), and commits the
// result through the Archive Store (C1), keeping its own run-scoped
// bookkeeping in an Analyzer State (C4). Grounded on internal/rag/service's
// orchestration shape (one struct wiring a
// retriever + a generator + a store, a single Run-style entry point, warnings
// logged via zerolog rather than returned).
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"archivecore/internal/archive"
	"archivecore/internal/analyzerstate"
	"archivecore/internal/config"
	"archivecore/internal/modelgateway"
	"archivecore/internal/windowstream"
)

// Report is the termination payload returned when a run completes.
type Report struct {
	DiscussionsFound      int
	DiscussionsExtended   int
	TotalTokens           int
	WindowsProcessed      int
	Mode                  windowstream.Mode
	StartMessageID        string
	EndMessageID          string
	ContextStartMessageID string
}

// Analyzer wires the Archive Store, Model Gateway, and Window Stream together
// for one room's discussion-detection run.
type Analyzer struct {
	store   archive.Store
	gateway *modelgateway.Gateway
	cfg     config.AnalyzerConfig
}

// New builds an Analyzer over store and gateway, tuned by cfg.
func New(store archive.Store, gateway *modelgateway.Gateway, cfg config.AnalyzerConfig) *Analyzer {
	return &Analyzer{store: store, gateway: gateway, cfg: cfg}
}

// Run drives one full or incremental analysis of roomID under runID, writing
// discussion/message assignments through the Archive Store window by window
// and returning the termination report.
func (a *Analyzer) Run(ctx context.Context, roomID string, mode windowstream.Mode, runID string) (Report, error) {
	stream, err := windowstream.Build(ctx, a.store, roomID, mode, windowstream.Config{
		WindowSize:     a.cfg.WindowSize,
		Overlap:        a.cfg.WindowOverlap,
		ContextWindows: a.cfg.ContextWindows,
	})
	if err != nil {
		return Report{}, fmt.Errorf("build window stream: %w", err)
	}

	state := analyzerstate.New()
	if stream.ModeUsed == windowstream.ModeIncremental {
		if err := a.rebuildIncrementalState(ctx, state, roomID); err != nil {
			return Report{}, fmt.Errorf("rebuild incremental state: %w", err)
		}
	}

	found := map[string]bool{}
	extended := map[string]bool{}
	windowsProcessed := 0
	consecutiveTransientFailures := 0

	for _, w := range stream.Windows {
		if w.Phase == windowstream.PhaseContext {
			// Context-phase windows replay prior history to let dormancy
			// catch up to "now" without re-classifying already-committed
			// messages; no writes happen here.
			state.AdvanceWindow(a.cfg.DormancyThreshold)
			continue
		}

		state.AdvanceWindow(a.cfg.DormancyThreshold)
		result, err := a.classifyWindow(ctx, state, roomID, runID, w)
		if err != nil {
			if isTransient(err) {
				consecutiveTransientFailures++
				log.Warn().Err(err).Str("room_id", roomID).Int("window_index", w.WindowIndex).
					Msg("window classification failed transiently, skipping")
				if consecutiveTransientFailures >= 3 {
					return Report{}, fmt.Errorf("three consecutive transient window failures: %w", err)
				}
				continue
			}
			log.Warn().Err(err).Str("room_id", roomID).Int("window_index", w.WindowIndex).
				Msg("window classification failed, skipping window")
			continue
		}
		consecutiveTransientFailures = 0
		windowsProcessed++
		for id, created := range result.touched {
			if created {
				found[id] = true
			} else {
				extended[id] = true
			}
		}
	}

	a.generateSummaries(ctx, found, extended)
	a.recountParticipants(ctx, found, extended)

	report := Report{
		DiscussionsFound:      len(found),
		DiscussionsExtended:   len(extended),
		TotalTokens:           state.TotalTokens(),
		WindowsProcessed:      windowsProcessed,
		Mode:                  stream.ModeUsed,
		StartMessageID:        stream.StartMessageID,
		EndMessageID:          stream.EndMessageID,
		ContextStartMessageID: stream.ContextStartMessageID,
	}
	return report, nil
}

// PreviewIncremental reports how much work an incremental run over roomID
// would cover, so a caller can decide between full and incremental before
// calling Run.
func (a *Analyzer) PreviewIncremental(ctx context.Context, roomID string) (windowstream.PreviewResult, error) {
	return windowstream.Preview(ctx, a.store, roomID, windowstream.Config{
		WindowSize:     a.cfg.WindowSize,
		Overlap:        a.cfg.WindowOverlap,
		ContextWindows: a.cfg.ContextWindows,
	})
}

func isTransient(err error) bool {
	return strings.Contains(err.Error(), "TRANSIENT_NETWORK")
}

// rebuildIncrementalState reconstructs the subset of C4 an incremental run
// needs before it replays context-phase windows: every non-ended discussion
// in the room whose last activity falls within IncrementalGraceHours of cut,
// synthesizing temp ids "existing_<id>" for incremental catch-up.
func (a *Analyzer) rebuildIncrementalState(ctx context.Context, state *analyzerstate.State, roomID string) error {
	run, ok, err := a.store.Runs().LatestCompletedWithCut(ctx, roomID, archive.RunKindDiscussionAnalysis)
	if err != nil {
		return err
	}
	if !ok || run.EndMessageID == nil {
		return nil
	}
	cutMsg, ok, err := a.store.Messages().GetByID(ctx, *run.EndMessageID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	grace := time.Duration(a.cfg.IncrementalGraceHours) * time.Hour

	discussions, err := a.store.Discussions().ListActiveByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	for _, d := range discussions {
		if cutMsg.SentAt.Sub(d.LastMsgAt) > grace {
			continue
		}
		tempID := "existing_" + d.ID
		keywords := analyzerstate.ExtractKeywords(d.Title, "", a.cfg.MaxKeywords)
		ds := state.Track(d.ID, tempID, d.Title, d.FirstMsgAt, keywords)
		ds.EndedAt = d.LastMsgAt
		count, err := a.store.Discussions().MessageCount(ctx, d.ID)
		if err != nil {
			return err
		}
		// Pad to the persisted count so MAX_MESSAGES_PER_DISCUSSION capping
		// (len(MessageIDs)) reflects reality without re-fetching every id.
		ds.MessageIDs = make([]string, count)
	}
	return nil
}

type windowApplyResult struct {
	touched map[string]bool // discussionID -> true if newly created this run
}

// classifyWindow runs one per-window protocol step: compose the prompt, call
// the Model Gateway with the inspect_discussion tool offered, apply the
// response.
func (a *Analyzer) classifyWindow(ctx context.Context, state *analyzerstate.State, roomID, runID string, w windowstream.Window) (windowApplyResult, error) {
	prompt := a.composePrompt(state, w)
	toolHandler := a.inspectDiscussionHandler(state)

	result, err := a.gateway.Generate(ctx, modelgateway.GenerateRequest{
		SystemInstruction: "You classify chat messages into ongoing or new discussion threads. Respond only with the requested JSON.",
		Prompt:            prompt,
		ResponseSchema:    json.RawMessage(classifyResponseSchema),
		Tools: []modelgateway.Tool{{
			Name:        "inspect_discussion",
			Description: "Returns the messages assigned so far to an existing discussion.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"discussion_id":{}},"required":["discussion_id"]}`),
		}},
		Temperature:     0.2,
		MaxOutputTokens: 2048,
	}, toolHandler, runID)
	if err != nil {
		return windowApplyResult{}, err
	}
	state.AddTokens(result.Usage.PromptTokens + result.Usage.OutputTokens)

	var resp classifyResponse
	if err := json.Unmarshal(result.Structured, &resp); err != nil {
		return windowApplyResult{}, fmt.Errorf("BAD_MODEL_OUTPUT: unmarshal classification response: %w", err)
	}

	return a.applyResponse(ctx, state, roomID, runID, w, resp)
}

func (a *Analyzer) composePrompt(state *analyzerstate.State, w windowstream.Window) string {
	type promptMessage struct {
		ID      string `json:"id"`
		Ts      string `json:"ts"`
		Sender  string `json:"sender"`
		Content string `json:"content"`
	}
	type promptBody struct {
		ActiveDiscussions []analyzerstate.PromptDiscussion `json:"active_discussions"`
		Messages          []promptMessage                  `json:"messages"`
	}
	body := promptBody{ActiveDiscussions: state.ActivePromptList()}
	for _, m := range w.Messages {
		body.Messages = append(body.Messages, promptMessage{
			ID: m.ID, Ts: m.SentAt.UTC().Format(time.RFC3339), Sender: m.PersonID, Content: m.Text,
		})
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func (a *Analyzer) inspectDiscussionHandler(state *analyzerstate.State) modelgateway.ToolHandler {
	return func(ctx context.Context, call modelgateway.ToolCall) (string, error) {
		var args struct {
			DiscussionID json.RawMessage `json:"discussion_id"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("parse inspect_discussion arguments: %w", err)
		}
		ref := parseDiscussionRef(args.DiscussionID)
		durableID := ref.Value
		if ref.IsTemp {
			resolved, ok := state.ResolveTempID(ref.Value)
			if !ok {
				return fmt.Sprintf("unknown discussion %q", ref.Value), nil
			}
			durableID = resolved
		}
		msgs, err := a.store.Discussions().ListMessages(ctx, durableID)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "discussion %s has %d messages:\n", durableID, len(msgs))
		for _, m := range msgs {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.UTC().Format(time.RFC3339), m.PersonID, m.Text)
		}
		return b.String(), nil
	}
}

// applyResponse creates declared new_discussions, resolves and appends
// classified assignments idempotently, marks discussions_ended, and leaves
// the dormancy rule to the caller's already-applied AdvanceWindow call for
// everything untouched.
func (a *Analyzer) applyResponse(ctx context.Context, state *analyzerstate.State, roomID, runID string, w windowstream.Window, resp classifyResponse) (windowApplyResult, error) {
	touched := map[string]bool{}
	msgByID := map[string]archive.Message{}
	for _, m := range w.Messages {
		msgByID[m.ID] = m
	}

	// Pre-create declared new discussions so later assignments in the same
	// response can resolve their temp ids immediately.
	for _, nd := range resp.NewDiscussions {
		if _, ok := state.ResolveTempID(nd.TempID); ok {
			continue // already created earlier in this run
		}
		first, ok := firstMessageForNewDiscussion(w, resp, nd.TempID)
		startedAt := w.Messages[0].SentAt
		if ok {
			startedAt = first.SentAt
		}
		d, err := a.store.Discussions().Create(ctx, archive.Discussion{
			ID:         fmt.Sprintf("disc_%s_%s", runID, nd.TempID),
			RoomID:     roomID,
			RunID:      runID,
			Title:      nd.Title,
			State:      "active",
			FirstMsgAt: startedAt,
			LastMsgAt:  startedAt,
		})
		if err != nil {
			return windowApplyResult{}, fmt.Errorf("STORE_ERROR: create discussion: %w", err)
		}
		keywords := analyzerstate.ExtractKeywords(nd.Title, firstText(first, ok), a.cfg.MaxKeywords)
		state.Track(d.ID, nd.TempID, d.Title, startedAt, keywords)
		touched[d.ID] = true
	}

	for _, mc := range resp.Classifications {
		msg, ok := msgByID[mc.MessageID]
		if !ok {
			continue
		}
		for _, asg := range mc.Assignments {
			ref := parseDiscussionRef(asg.DiscussionID)
			_, knownTemp := state.ResolveTempID(ref.Value)
			createdHere := ref.IsTemp && !knownTemp
			durableID, ok := a.resolveAssignment(ctx, state, roomID, runID, w, asg)
			if !ok {
				log.Warn().Str("message_id", mc.MessageID).Msg("assignment referenced an unknown discussion, dropped")
				continue
			}
			if state.MessageCount(durableID) >= a.cfg.MaxMessagesPerDiscussion {
				log.Warn().Str("discussion_id", durableID).Msg("MAX_MESSAGES_PER_DISCUSSION reached, dropping further assignments")
				continue
			}
			windowsSinceActive := 0
			if d, ok := state.Get(durableID); ok {
				windowsSinceActive = state.CurrentWindow() - d.LastActiveWindow
			}
			if asg.Confidence >= 0.9 && windowsSinceActive >= 3 {
				log.Warn().Str("discussion_id", durableID).Str("message_id", mc.MessageID).
					Float64("confidence", asg.Confidence).Int("windows_since_active", windowsSinceActive).
					Msg("suspicious assignment: high confidence on a long-dormant discussion")
			}

			suspicious := asg.Confidence >= 0.9 && windowsSinceActive >= 3
			if err := a.store.Discussions().AppendMessage(ctx, durableID, msg.ID, msg.SentAt.UTC().Format(time.RFC3339), suspicious); err != nil {
				return windowApplyResult{}, fmt.Errorf("STORE_ERROR: append discussion message: %w", err)
			}
			state.RecordAssignment(durableID, msg.ID, msg.SentAt, msg.PersonID)
			if asg.Title != nil && *asg.Title != "" {
				if err := a.store.Discussions().SetTitle(ctx, durableID, *asg.Title); err != nil {
					return windowApplyResult{}, fmt.Errorf("STORE_ERROR: set discussion title: %w", err)
				}
			}
			if createdHere {
				touched[durableID] = true
			} else if !touched[durableID] {
				touched[durableID] = false // extended, not newly created
			}
		}
	}

	for _, raw := range resp.DiscussionsEnded {
		ref := parseDiscussionRef(raw)
		durableID := ref.Value
		if ref.IsTemp {
			resolved, ok := state.ResolveTempID(ref.Value)
			if !ok {
				continue
			}
			durableID = resolved
		}
		state.MarkEnded(durableID)
		if err := a.store.Discussions().SetState(ctx, durableID, "closed"); err != nil {
			return windowApplyResult{}, fmt.Errorf("STORE_ERROR: close discussion: %w", err)
		}
	}

	return windowApplyResult{touched: touched}, nil
}

// recountParticipants is the post-run update that keeps
// Discussion.ParticipantCount current for every discussion this run created
// or extended.
func (a *Analyzer) recountParticipants(ctx context.Context, found, extended map[string]bool) {
	for discussionID := range found {
		if _, err := a.store.Discussions().RecountParticipants(ctx, discussionID); err != nil {
			log.Warn().Err(err).Str("discussion_id", discussionID).Msg("participant recount failed")
		}
	}
	for discussionID := range extended {
		if _, err := a.store.Discussions().RecountParticipants(ctx, discussionID); err != nil {
			log.Warn().Err(err).Str("discussion_id", discussionID).Msg("participant recount failed")
		}
	}
}

func firstMessageForNewDiscussion(w windowstream.Window, resp classifyResponse, tempID string) (archive.Message, bool) {
	msgByID := map[string]archive.Message{}
	for _, m := range w.Messages {
		msgByID[m.ID] = m
	}
	for _, mc := range resp.Classifications {
		for _, asg := range mc.Assignments {
			ref := parseDiscussionRef(asg.DiscussionID)
			if ref.IsTemp && ref.Value == tempID {
				if m, ok := msgByID[mc.MessageID]; ok {
					return m, true
				}
			}
		}
	}
	return archive.Message{}, false
}

func firstText(m archive.Message, ok bool) string {
	if !ok {
		return ""
	}
	return m.Text
}

// resolveAssignment applies the temp-id resolution rule: an
// integer discussion_id is an existing durable id; a string resolves via the
// run's temp-id map, or — if unknown but accompanied by a title — creates a
// new discussion durably on the spot.
func (a *Analyzer) resolveAssignment(ctx context.Context, state *analyzerstate.State, roomID, runID string, w windowstream.Window, asg assignment) (string, bool) {
	ref := parseDiscussionRef(asg.DiscussionID)
	if !ref.IsTemp {
		if _, ok := state.Get(ref.Value); ok {
			return ref.Value, true
		}
		return ref.Value, true // durable id not yet tracked in this run's state (e.g. incremental new discussion referenced before NEW_DISCUSSIONS entry) — trust the model
	}
	if durableID, ok := state.ResolveTempID(ref.Value); ok {
		return durableID, true
	}
	if asg.Title == nil || *asg.Title == "" {
		return "", false
	}
	startedAt := w.Messages[0].SentAt
	d, err := a.store.Discussions().Create(ctx, archive.Discussion{
		ID:         fmt.Sprintf("disc_%s_%s", runID, ref.Value),
		RoomID:     roomID,
		RunID:      runID,
		Title:      *asg.Title,
		State:      "active",
		FirstMsgAt: startedAt,
		LastMsgAt:  startedAt,
	})
	if err != nil {
		return "", false
	}
	keywords := analyzerstate.ExtractKeywords(*asg.Title, "", a.cfg.MaxKeywords)
	state.Track(d.ID, ref.Value, d.Title, startedAt, keywords)
	return d.ID, true
}

// generateSummaries runs the post-run summary pass: each
// discussion created or extended this run gets its first ≤SummaryMaxMessages
// messages sent to C2 for a 2-3 sentence summary. Failures are logged and
// leave summary empty, never abort the run.
func (a *Analyzer) generateSummaries(ctx context.Context, found, extended map[string]bool) {
	all := map[string]bool{}
	for id := range found {
		all[id] = true
	}
	for id := range extended {
		all[id] = true
	}
	for discussionID := range all {
		msgs, err := a.store.Discussions().ListMessages(ctx, discussionID)
		if err != nil {
			log.Warn().Err(err).Str("discussion_id", discussionID).Msg("summary generation: list messages failed")
			continue
		}
		if len(msgs) > a.cfg.SummaryMaxMessages {
			msgs = msgs[:a.cfg.SummaryMaxMessages]
		}
		var b strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&b, "%s: %s\n", m.PersonID, m.Text)
		}
		result, err := a.gateway.Generate(ctx, modelgateway.GenerateRequest{
			SystemInstruction: "Summarize this chat discussion in 2-3 sentences. Be concise and neutral.",
			Prompt:            b.String(),
			ResponseSchema:    json.RawMessage(summaryResponseSchema),
			Temperature:       0.3,
			MaxOutputTokens:   256,
		}, nil, "")
		if err != nil {
			log.Warn().Err(err).Str("discussion_id", discussionID).Msg("summary generation failed, leaving summary empty")
			continue
		}
		var sr summaryResponse
		if err := json.Unmarshal(result.Structured, &sr); err != nil {
			log.Warn().Err(err).Str("discussion_id", discussionID).Msg("summary generation: bad model output, leaving summary empty")
			continue
		}
		if err := a.store.Discussions().SetSummary(ctx, discussionID, strings.TrimSpace(sr.Summary)); err != nil {
			log.Warn().Err(err).Str("discussion_id", discussionID).Msg("summary generation: store write failed")
		}
	}
}
