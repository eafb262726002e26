// Package search implements the Hybrid Searcher (C8): one query embedding
// shared across the requested entity kinds, vector kNN candidate gathering
// with a person-through-discussion fallback, per-kind keyword scoring, score
// fusion, and per-kind pagination. Grounded on the Topic Classifier's (C6)
// store+gateway wiring, generalized to also drive the persistence/databases
// vector and full-text backends the Embedding Indexer (C7) populates — the
// result is four strongly-typed arrays in one record rather than a
// heterogeneous list.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/modelgateway"
	"archivecore/internal/persistence/databases"
)

// Scope restricts a Search call to one entity kind, or all four.
type Scope string

const (
	ScopeAll         Scope = "all"
	ScopeMessages    Scope = "messages"
	ScopeDiscussions Scope = "discussions"
	ScopePeople      Scope = "people"
	ScopeTopics      Scope = "topics"
)

// MatchType reports whether a hit's score reflects semantic similarity alone
// or a fusion of semantic and keyword signal.
type MatchType string

const (
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// Query is one Search call's full parameter set.
type Query struct {
	Text     string
	Scope    Scope
	Page     int
	PageSize int
}

// Pagination describes one kind's slice of a larger candidate set.
type Pagination struct {
	Page     int
	PageSize int
	Total    int
}

type MessageHit struct {
	Message   archive.Message
	Score     float64
	MatchType MatchType
}

type DiscussionHit struct {
	Discussion archive.Discussion
	Score      float64
	MatchType  MatchType
}

type PersonHit struct {
	Person    archive.Person
	Score     float64
	MatchType MatchType
}

type TopicHit struct {
	Topic     archive.Topic
	Score     float64
	MatchType MatchType
}

// Results bundles all four kinds' hits and pagination metadata, a tagged
// record rather than a heterogeneous list.
type Results struct {
	Messages        []MessageHit
	MessagesPage    Pagination
	Discussions     []DiscussionHit
	DiscussionsPage Pagination
	People          []PersonHit
	PeoplePage      Pagination
	Topics          []TopicHit
	TopicsPage      Pagination
}

// Searcher wires the Archive Store, vector store, full-text backend, and
// Model Gateway together to serve Search.
type Searcher struct {
	store   archive.Store
	vector  databases.VectorStore
	fts     databases.FullTextSearch
	gateway *modelgateway.Gateway
	cfg     config.SearchTuning
}

// New builds a Searcher tuned by cfg.
func New(store archive.Store, vector databases.VectorStore, fts databases.FullTextSearch, gateway *modelgateway.Gateway, cfg config.SearchTuning) *Searcher {
	return &Searcher{store: store, vector: vector, fts: fts, gateway: gateway, cfg: cfg}
}

func kindsFor(scope Scope) ([]string, error) {
	switch scope {
	case ScopeAll, "":
		return []string{"message", "discussion", "person", "topic"}, nil
	case ScopeMessages:
		return []string{"message"}, nil
	case ScopeDiscussions:
		return []string{"discussion"}, nil
	case ScopePeople:
		return []string{"person"}, nil
	case ScopeTopics:
		return []string{"topic"}, nil
	default:
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
}

// rankedHit is one candidate's fused score ahead of per-kind hydration.
type rankedHit struct {
	id        string
	score     float64
	matchType MatchType
}

// Search performs the hybrid search algorithm: embed once, gather vector
// candidates per requested kind (with the discussion person-through-fallback),
// score keywords, fuse, rank, paginate, and hydrate full entity rows from the
// Archive Store in sorted order.
func (s *Searcher) Search(ctx context.Context, q Query, runID string) (Results, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Results{}, fmt.Errorf("query must not be empty")
	}
	if q.Page < 1 {
		return Results{}, fmt.Errorf("page must be >= 1")
	}
	if q.PageSize < 1 || q.PageSize > 100 {
		return Results{}, fmt.Errorf("page_size must be in [1,100]")
	}
	kinds, err := kindsFor(q.Scope)
	if err != nil {
		return Results{}, err
	}

	embedResult, err := s.gateway.Embed(ctx, []string{q.Text}, runID)
	if err != nil {
		return Results{}, fmt.Errorf("embed query: %w", err)
	}
	if len(embedResult.Vectors) != 1 {
		return Results{}, fmt.Errorf("embed query: expected 1 vector, got %d", len(embedResult.Vectors))
	}
	qvec := embedResult.Vectors[0]

	var out Results
	for _, kind := range kinds {
		switch kind {
		case "message":
			hits, page, err := s.searchMessages(ctx, qvec, q)
			if err != nil {
				return Results{}, fmt.Errorf("search messages: %w", err)
			}
			out.Messages, out.MessagesPage = hits, page
		case "discussion":
			hits, page, err := s.searchDiscussions(ctx, qvec, q)
			if err != nil {
				return Results{}, fmt.Errorf("search discussions: %w", err)
			}
			out.Discussions, out.DiscussionsPage = hits, page
		case "person":
			hits, page, err := s.searchPeople(ctx, qvec, q)
			if err != nil {
				return Results{}, fmt.Errorf("search people: %w", err)
			}
			out.People, out.PeoplePage = hits, page
		case "topic":
			hits, page, err := s.searchTopics(ctx, qvec, q)
			if err != nil {
				return Results{}, fmt.Errorf("search topics: %w", err)
			}
			out.Topics, out.TopicsPage = hits, page
		}
	}
	return out, nil
}

// vectorCandidates runs kNN for kind, keeping only rows at or above the
// configured similarity threshold, keyed by bare entity id.
func (s *Searcher) vectorCandidates(ctx context.Context, qvec []float32, kind string, limit int) (map[string]float64, error) {
	filter := map[string]string{"entity_type": kind}
	results, err := s.vector.SimilaritySearch(ctx, qvec, limit, filter)
	if err != nil {
		return nil, err
	}
	threshold := s.cfg.SimilarityThreshold
	out := make(map[string]float64, len(results))
	prefix := kind + ":"
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		out[strings.TrimPrefix(r.ID, prefix)] = r.Score
	}
	return out, nil
}

func (s *Searcher) maxCandidates() int {
	if s.cfg.MaxCandidates > 0 {
		return s.cfg.MaxCandidates
	}
	return 500
}

// discussionPersonFallback also retrieves person matches above the
// threshold (capped at 20), finds every discussion they participated in,
// and injects them at person_score × PersonFallbackDecay.
func (s *Searcher) discussionPersonFallback(ctx context.Context, qvec []float32) (map[string]float64, error) {
	personScores, err := s.vectorCandidates(ctx, qvec, "person", 20)
	if err != nil {
		return nil, err
	}
	decay := s.cfg.PersonFallbackDecay
	out := map[string]float64{}
	for personID, score := range personScores {
		discs, err := s.store.Discussions().ListByParticipant(ctx, personID)
		if err != nil {
			return nil, err
		}
		injected := score * decay
		for _, d := range discs {
			if cur, ok := out[d.ID]; !ok || injected > cur {
				out[d.ID] = injected
			}
		}
	}
	return out, nil
}

// fuseAndRank fuses semantic+keyword scores per candidate id, drops
// anything below threshold, and sorts descending.
func fuseAndRank(semantic map[string]float64, keyword map[string]float64, alpha, threshold float64) []rankedHit {
	hits := make([]rankedHit, 0, len(semantic))
	for id, sem := range semantic {
		kw := keyword[id]
		var final float64
		var mt MatchType
		if kw > 0 {
			final = alpha*sem + (1-alpha)*kw
			mt = MatchHybrid
		} else {
			final = sem
			mt = MatchSemantic
		}
		if final < threshold {
			continue
		}
		hits = append(hits, rankedHit{id: id, score: final, matchType: mt})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	return hits
}

// paginate slices hits by (page-1)*pageSize..page*pageSize, returning the
// page's hits alongside pagination metadata computed over the full set.
func paginate(hits []rankedHit, page, pageSize int) ([]rankedHit, Pagination) {
	total := len(hits)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return hits[start:end], Pagination{Page: page, PageSize: pageSize, Total: total}
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// keywordScoreMessages applies the message keyword-scoring rule:
// full-text rank over content, normalised to [0,1] by dividing by the batch
// max among matches.
func (s *Searcher) keywordScoreMessages(ctx context.Context, query string) (map[string]float64, error) {
	results, err := s.fts.Search(ctx, query, 1000)
	if err != nil {
		return nil, err
	}
	const prefix = "message:"
	raw := map[string]float64{}
	max := 0.0
	for _, r := range results {
		if !strings.HasPrefix(r.ID, prefix) {
			continue
		}
		id := strings.TrimPrefix(r.ID, prefix)
		raw[id] = r.Score
		if r.Score > max {
			max = r.Score
		}
	}
	if max == 0 {
		return map[string]float64{}, nil
	}
	out := make(map[string]float64, len(raw))
	for id, score := range raw {
		out[id] = score / max
	}
	return out, nil
}

func (s *Searcher) searchMessages(ctx context.Context, qvec []float32, q Query) ([]MessageHit, Pagination, error) {
	semantic, err := s.vectorCandidates(ctx, qvec, "message", s.maxCandidates())
	if err != nil {
		return nil, Pagination{}, err
	}
	keyword, err := s.keywordScoreMessages(ctx, q.Text)
	if err != nil {
		return nil, Pagination{}, err
	}
	ranked := fuseAndRank(semantic, keyword, s.cfg.HybridAlpha, s.cfg.SimilarityThreshold)
	page, pagination := paginate(ranked, q.Page, q.PageSize)

	hits := make([]MessageHit, 0, len(page))
	for _, r := range page {
		m, ok, err := s.store.Messages().GetByID(ctx, r.id)
		if err != nil {
			return nil, Pagination{}, err
		}
		if !ok {
			continue
		}
		hits = append(hits, MessageHit{Message: m, Score: r.score, MatchType: r.matchType})
	}
	return hits, pagination, nil
}

func (s *Searcher) searchDiscussions(ctx context.Context, qvec []float32, q Query) ([]DiscussionHit, Pagination, error) {
	semantic, err := s.vectorCandidates(ctx, qvec, "discussion", s.maxCandidates())
	if err != nil {
		return nil, Pagination{}, err
	}
	fallback, err := s.discussionPersonFallback(ctx, qvec)
	if err != nil {
		return nil, Pagination{}, err
	}
	for id, score := range fallback {
		if cur, ok := semantic[id]; !ok || score > cur {
			semantic[id] = score
		}
	}

	// Hydrate every candidate up front: keyword scoring needs title/summary/
	// participant display names, and hydration would be needed anyway.
	entities := make(map[string]archive.Discussion, len(semantic))
	for id := range semantic {
		d, ok, err := s.store.Discussions().Get(ctx, id)
		if err != nil {
			return nil, Pagination{}, err
		}
		if ok {
			entities[id] = d
		}
	}

	personCache := map[string]archive.Person{}
	keyword := make(map[string]float64, len(entities))
	for id, d := range entities {
		score := 0.0
		if containsFold(d.Title, q.Text) {
			score = max(score, 1.0)
		}
		if containsFold(d.Summary, q.Text) {
			score = max(score, 0.7)
		}
		participantMatch, err := s.discussionHasMatchingParticipant(ctx, d.ID, q.Text, personCache)
		if err != nil {
			return nil, Pagination{}, err
		}
		if participantMatch {
			score = max(score, 0.8)
		}
		if score > 0 {
			keyword[id] = score
		}
	}

	ranked := fuseAndRank(semantic, keyword, s.cfg.HybridAlpha, s.cfg.SimilarityThreshold)
	page, pagination := paginate(ranked, q.Page, q.PageSize)

	hits := make([]DiscussionHit, 0, len(page))
	for _, r := range page {
		d, ok := entities[r.id]
		if !ok {
			continue
		}
		hits = append(hits, DiscussionHit{Discussion: d, Score: r.score, MatchType: r.matchType})
	}
	return hits, pagination, nil
}

// discussionHasMatchingParticipant reports whether any person who posted in
// discussionID has a display name containing query, caching lookups across
// calls within one Search so overlapping discussions don't refetch the same
// person repeatedly.
func (s *Searcher) discussionHasMatchingParticipant(ctx context.Context, discussionID, query string, cache map[string]archive.Person) (bool, error) {
	msgs, err := s.store.Discussions().ListMessages(ctx, discussionID)
	if err != nil {
		return false, err
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		if seen[m.PersonID] {
			continue
		}
		seen[m.PersonID] = true
		p, ok := cache[m.PersonID]
		if !ok {
			fetched, found, err := s.store.People().Get(ctx, m.PersonID)
			if err != nil {
				return false, err
			}
			if !found {
				continue
			}
			cache[m.PersonID] = fetched
			p = fetched
		}
		if containsFold(p.DisplayName, query) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Searcher) searchPeople(ctx context.Context, qvec []float32, q Query) ([]PersonHit, Pagination, error) {
	semantic, err := s.vectorCandidates(ctx, qvec, "person", s.maxCandidates())
	if err != nil {
		return nil, Pagination{}, err
	}
	entities := make(map[string]archive.Person, len(semantic))
	keyword := make(map[string]float64, len(semantic))
	for id := range semantic {
		p, ok, err := s.store.People().Get(ctx, id)
		if err != nil {
			return nil, Pagination{}, err
		}
		if !ok {
			continue
		}
		entities[id] = p
		score := 0.0
		if containsFold(p.DisplayName, q.Text) {
			score = max(score, 1.0)
		}
		if containsFold(p.AISummary, q.Text) {
			score = max(score, 0.7)
		}
		if score > 0 {
			keyword[id] = score
		}
	}

	ranked := fuseAndRank(semantic, keyword, s.cfg.HybridAlpha, s.cfg.SimilarityThreshold)
	page, pagination := paginate(ranked, q.Page, q.PageSize)

	hits := make([]PersonHit, 0, len(page))
	for _, r := range page {
		p, ok := entities[r.id]
		if !ok {
			continue
		}
		hits = append(hits, PersonHit{Person: p, Score: r.score, MatchType: r.matchType})
	}
	return hits, pagination, nil
}

func (s *Searcher) searchTopics(ctx context.Context, qvec []float32, q Query) ([]TopicHit, Pagination, error) {
	semantic, err := s.vectorCandidates(ctx, qvec, "topic", s.maxCandidates())
	if err != nil {
		return nil, Pagination{}, err
	}
	entities := make(map[string]archive.Topic, len(semantic))
	keyword := make(map[string]float64, len(semantic))
	for id := range semantic {
		t, ok, err := s.store.Topics().Get(ctx, id)
		if err != nil {
			return nil, Pagination{}, err
		}
		if !ok {
			continue
		}
		entities[id] = t
		score := 0.0
		if containsFold(t.Name, q.Text) {
			score = max(score, 1.0)
		}
		if containsFold(t.Description, q.Text) {
			score = max(score, 0.7)
		}
		if score > 0 {
			keyword[id] = score
		}
	}

	ranked := fuseAndRank(semantic, keyword, s.cfg.HybridAlpha, s.cfg.SimilarityThreshold)
	page, pagination := paginate(ranked, q.Page, q.PageSize)

	hits := make([]TopicHit, 0, len(page))
	for _, r := range page {
		t, ok := entities[r.id]
		if !ok {
			continue
		}
		hits = append(hits, TopicHit{Topic: t, Score: r.score, MatchType: r.matchType})
	}
	return hits, pagination, nil
}
