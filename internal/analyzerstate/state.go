// Package analyzerstate implements the Analyzer State (C4): the
// per-discussion bookkeeping a Discussion Analyzer (C5) worker keeps in
// memory for the duration of one run — dormancy tracking, keyword
// extraction, temp-id bookkeeping, and the LRU-5 recent-participants list.
// Owned exclusively by its worker; nothing outside the worker reads it.
package analyzerstate

import (
	"strings"
	"time"
)

// DiscussionState is the live state for one discussion during a run.
type DiscussionState struct {
	DurableID          string
	TempID             string
	Title              string
	MessageIDs         []string
	StartedAt          time.Time
	EndedAt            time.Time
	Ended              bool
	LastActiveWindow   int
	Dormant            bool
	TopicKeywords      []string
	RecentParticipants []string // most-recently-seen last, capped at 5
}

// PromptDiscussion is the shape the Discussion Analyzer feeds into its
// per-window prompt.
type PromptDiscussion struct {
	ID                string
	Title             string
	Keywords          []string
	RecentParticipants []string
	WindowsSinceActive int
}

// State tracks every discussion touched so far in a run.
type State struct {
	discussions   map[string]*DiscussionState // by durable id
	tempToDurable map[string]string
	tokenCounter  int
	currentWindow int
}

// New returns an empty Analyzer State.
func New() *State {
	return &State{
		discussions:   map[string]*DiscussionState{},
		tempToDurable: map[string]string{},
	}
}

// Track registers a discussion (new or rebuilt from storage on incremental
// catch-up) under its durable id, optionally also under a temp id so later
// classifications using that temp id resolve to it.
func (s *State) Track(durableID, tempID, title string, startedAt time.Time, keywords []string) *DiscussionState {
	d := &DiscussionState{
		DurableID:        durableID,
		TempID:           tempID,
		Title:            title,
		StartedAt:        startedAt,
		LastActiveWindow: s.currentWindow,
		TopicKeywords:    keywords,
	}
	s.discussions[durableID] = d
	if tempID != "" {
		s.tempToDurable[tempID] = durableID
	}
	return d
}

// Get returns the live state for a durable id.
func (s *State) Get(durableID string) (*DiscussionState, bool) {
	d, ok := s.discussions[durableID]
	return d, ok
}

// ResolveTempID looks up a temp id (e.g. "NEW_1", "existing_42") assigned
// during this run; ok is false when the temp id has never been seen.
func (s *State) ResolveTempID(tempID string) (string, bool) {
	durableID, ok := s.tempToDurable[tempID]
	return durableID, ok
}

// MapTempID records that tempID now resolves to durableID — used once a new
// discussion declared by the model has been created durably.
func (s *State) MapTempID(tempID, durableID string) {
	s.tempToDurable[tempID] = durableID
}

// AdvanceWindow moves the current window index forward by one, applying the
// dormancy rule to every discussion untouched since the prior windows.
func (s *State) AdvanceWindow(dormancyThreshold int) {
	s.currentWindow++
	for _, d := range s.discussions {
		if d.Ended {
			continue
		}
		if s.currentWindow-d.LastActiveWindow >= dormancyThreshold {
			d.Dormant = true
		}
	}
}

// CurrentWindow returns the index of the window currently being processed.
func (s *State) CurrentWindow() int { return s.currentWindow }

// RecordAssignment marks durableID active in the current window, appends
// messageID to its message list (caller is responsible for the
// MAX_MESSAGES_PER_DISCUSSION cap, since that cap also governs whether a
// write happens at all), and bumps timestamps/participant LRU.
func (s *State) RecordAssignment(durableID, messageID string, sentAt time.Time, participant string) {
	d, ok := s.discussions[durableID]
	if !ok {
		return
	}
	d.MessageIDs = append(d.MessageIDs, messageID)
	d.LastActiveWindow = s.currentWindow
	if d.Dormant {
		d.Dormant = false // revival: a later window assigning a message flips dormant back off
	}
	if d.StartedAt.IsZero() || sentAt.Before(d.StartedAt) {
		d.StartedAt = sentAt
	}
	if sentAt.After(d.EndedAt) {
		d.EndedAt = sentAt
	}
	bumpParticipant(d, participant)
}

func bumpParticipant(d *DiscussionState, participant string) {
	if participant == "" {
		return
	}
	for i, p := range d.RecentParticipants {
		if p == participant {
			d.RecentParticipants = append(d.RecentParticipants[:i], d.RecentParticipants[i+1:]...)
			break
		}
	}
	d.RecentParticipants = append(d.RecentParticipants, participant)
	if len(d.RecentParticipants) > 5 {
		d.RecentParticipants = d.RecentParticipants[len(d.RecentParticipants)-5:]
	}
}

// MarkEnded flips a discussion to ended, excluding it from future prompts.
func (s *State) MarkEnded(durableID string) {
	if d, ok := s.discussions[durableID]; ok {
		d.Ended = true
	}
}

// MessageCount reports how many messages durableID has accepted so far in
// this run's tracked state (used to enforce MAX_MESSAGES_PER_DISCUSSION
// alongside the archive store's own persisted count).
func (s *State) MessageCount(durableID string) int {
	if d, ok := s.discussions[durableID]; ok {
		return len(d.MessageIDs)
	}
	return 0
}

// ActivePromptList returns every non-dormant, non-ended discussion in the
// shape the per-window prompt needs.
func (s *State) ActivePromptList() []PromptDiscussion {
	var out []PromptDiscussion
	for _, d := range s.discussions {
		if d.Ended || d.Dormant {
			continue
		}
		out = append(out, PromptDiscussion{
			ID:                 d.DurableID,
			Title:              d.Title,
			Keywords:           d.TopicKeywords,
			RecentParticipants: d.RecentParticipants,
			WindowsSinceActive: s.currentWindow - d.LastActiveWindow,
		})
	}
	return out
}

// AddTokens accumulates the gateway's reported token usage for this run's
// termination report.
func (s *State) AddTokens(n int) { s.tokenCounter += n }

// TotalTokens returns the accumulated token usage.
func (s *State) TotalTokens() int { return s.tokenCounter }

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"at": true, "by": true, "from": true, "up": true, "about": true, "into": true,
	"this": true, "that": true, "these": true, "those": true, "it": true, "its": true,
	"as": true, "if": true, "so": true, "we": true, "you": true, "i": true,
	"do": true, "does": true, "did": true, "can": true, "will": true, "would": true,
	"should": true, "could": true, "not": true, "no": true,
}

// ExtractKeywords derives up to maxKeywords keywords from a discussion's
// title (and first message, if available) via stop-word filtering, used
// only to help the model disambiguate active discussions — never shown to
// the end user.
func ExtractKeywords(title, firstMessage string, maxKeywords int) []string {
	seen := map[string]bool{}
	var out []string
	for _, word := range tokenize(title + " " + firstMessage) {
		if stopWords[word] || len(word) < 3 || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}
