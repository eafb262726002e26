// Package windowstream implements the Window Stream (C3): a finite sequence
// of overlapping message windows over one room, in full or incremental
// mode. Grounded on internal/rag/retrieve's candidate-batching shape
// (fixed-size slices advanced by a stride), adapted from "chunks of a
// document" to "windows of a room's message history."
package windowstream

import (
	"context"
	"fmt"

	"archivecore/internal/archive"
)

// Mode selects whether the stream covers the whole room or only messages
// since the last completed run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Phase distinguishes the read-only replay of prior context from the
// write-eligible new messages in incremental mode.
type Phase string

const (
	PhaseContext Phase = "context"
	PhaseNew     Phase = "new"
)

// Window is one contiguous, non-empty-content slice of a room's messages.
type Window struct {
	Phase          Phase
	WindowIndex    int
	Messages       []archive.Message
	StartMessageID string
	EndMessageID   string
}

// Config carries the windowing tuning constants.
type Config struct {
	WindowSize     int // W
	Overlap        int // O, 0 < O < W
	ContextWindows int // incremental mode's replay depth, in units of W
}

// Result is the full materialized stream plus the bookkeeping fields a
// termination report needs.
type Result struct {
	ModeUsed              Mode // may differ from the requested mode (incremental falls back to full with no prior cut)
	Windows               []Window
	TotalWindowCount      int
	StartMessageID        string
	EndMessageID          string
	ContextStartMessageID string // empty unless ModeUsed == incremental
}

// Build materializes the window stream for roomID. N is the eligible
// message count (non-empty content); the total window count is
// ceil(max(1, N) / (W-O)).
func Build(ctx context.Context, store archive.Store, roomID string, mode Mode, cfg Config) (Result, error) {
	if cfg.Overlap <= 0 || cfg.Overlap >= cfg.WindowSize {
		return Result{}, fmt.Errorf("windowstream: overlap must satisfy 0 < overlap < window_size (got overlap=%d, window_size=%d)", cfg.Overlap, cfg.WindowSize)
	}

	all, err := eligibleMessages(ctx, store, roomID)
	if err != nil {
		return Result{}, err
	}

	if mode == ModeIncremental {
		run, ok, err := store.Runs().LatestCompletedWithCut(ctx, roomID, archive.RunKindDiscussionAnalysis)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			mode = ModeFull
		} else {
			return buildIncremental(all, *run.EndMessageID, cfg)
		}
	}

	return buildFull(all, cfg)
}

// PreviewResult reports how much work an incremental run over a room would
// cover, without materializing any windows.
type PreviewResult struct {
	IncrementalAvailable bool
	NewMessageCount      int
	ContextMessageCount  int
	LastAnalysisRun      archive.AnalysisRun // zero value unless IncrementalAvailable
}

// Preview answers whether an incremental run is possible for roomID and, if
// so, how many messages would land in each phase — the same cut-finding and
// context/new split Build uses for incremental mode, but counting instead
// of slicing into windows.
func Preview(ctx context.Context, store archive.Store, roomID string, cfg Config) (PreviewResult, error) {
	run, ok, err := store.Runs().LatestCompletedWithCut(ctx, roomID, archive.RunKindDiscussionAnalysis)
	if err != nil {
		return PreviewResult{}, err
	}
	if !ok {
		return PreviewResult{}, nil
	}

	all, err := eligibleMessages(ctx, store, roomID)
	if err != nil {
		return PreviewResult{}, err
	}

	cutIdx := -1
	for i, m := range all {
		if m.ID == *run.EndMessageID {
			cutIdx = i
			break
		}
	}
	if cutIdx < 0 {
		// cut message no longer eligible; a run would treat everything as new,
		// matching buildIncremental's own fall-back.
		return PreviewResult{IncrementalAvailable: true, NewMessageCount: len(all), LastAnalysisRun: run}, nil
	}

	contextCap := cfg.ContextWindows * cfg.WindowSize
	start := cutIdx + 1 - contextCap
	if start < 0 {
		start = 0
	}

	return PreviewResult{
		IncrementalAvailable: true,
		NewMessageCount:      len(all) - (cutIdx + 1),
		ContextMessageCount:  cutIdx + 1 - start,
		LastAnalysisRun:      run,
	}, nil
}

func eligibleMessages(ctx context.Context, store archive.Store, roomID string) ([]archive.Message, error) {
	n, err := store.Messages().CountByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	msgs, err := store.Messages().ListByRoomBetween(ctx, roomID, nil, nil, n)
	if err != nil {
		return nil, err
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Text != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

func buildFull(msgs []archive.Message, cfg Config) (Result, error) {
	windows := sliceWindows(msgs, cfg.WindowSize, cfg.Overlap, PhaseNew, 0)
	res := Result{
		ModeUsed:         ModeFull,
		Windows:          windows,
		TotalWindowCount: totalWindowCount(len(msgs), cfg),
	}
	if len(msgs) > 0 {
		res.StartMessageID = msgs[0].ID
		res.EndMessageID = msgs[len(msgs)-1].ID
	}
	return res, nil
}

func buildIncremental(all []archive.Message, cut string, cfg Config) (Result, error) {
	cutIdx := -1
	for i, m := range all {
		if m.ID == cut {
			cutIdx = i
			break
		}
	}
	var contextSlice, newSlice []archive.Message
	if cutIdx < 0 {
		// cut message no longer eligible (e.g. content since emptied); treat
		// everything as new, matching the fall-back-to-full spirit without
		// discarding the incremental framing entirely.
		newSlice = all
	} else {
		contextCap := cfg.ContextWindows * cfg.WindowSize
		start := cutIdx + 1 - contextCap
		if start < 0 {
			start = 0
		}
		contextSlice = all[start : cutIdx+1]
		newSlice = all[cutIdx+1:]
	}

	var windows []Window
	windows = append(windows, sliceWindows(contextSlice, cfg.WindowSize, cfg.Overlap, PhaseContext, 0)...)
	windows = append(windows, sliceWindows(newSlice, cfg.WindowSize, cfg.Overlap, PhaseNew, len(windows))...)

	res := Result{
		ModeUsed:         ModeIncremental,
		Windows:          windows,
		TotalWindowCount: totalWindowCount(len(newSlice), cfg),
	}
	if len(contextSlice) > 0 {
		res.ContextStartMessageID = contextSlice[0].ID
	}
	if len(newSlice) > 0 {
		res.StartMessageID = newSlice[0].ID
		res.EndMessageID = newSlice[len(newSlice)-1].ID
	} else if len(contextSlice) > 0 {
		res.StartMessageID = contextSlice[len(contextSlice)-1].ID
		res.EndMessageID = contextSlice[len(contextSlice)-1].ID
	}
	return res, nil
}

// sliceWindows advances a windowSize-wide slice over msgs by (windowSize -
// overlap) at a time, tagging each with phase and starting WindowIndex at
// indexOffset.
func sliceWindows(msgs []archive.Message, windowSize, overlap int, phase Phase, indexOffset int) []Window {
	if len(msgs) == 0 {
		return nil
	}
	step := windowSize - overlap
	var windows []Window
	idx := 0
	for idx < len(msgs) {
		end := idx + windowSize
		if end > len(msgs) {
			end = len(msgs)
		}
		slice := msgs[idx:end]
		windows = append(windows, Window{
			Phase:          phase,
			WindowIndex:    indexOffset + len(windows),
			Messages:       slice,
			StartMessageID: slice[0].ID,
			EndMessageID:   slice[len(slice)-1].ID,
		})
		if end == len(msgs) {
			break
		}
		idx += step
	}
	return windows
}

func totalWindowCount(n int, cfg Config) int {
	step := cfg.WindowSize - cfg.Overlap
	if n < 1 {
		n = 1
	}
	return (n + step - 1) / step
}
