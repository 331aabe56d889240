// Package ranker implements the Memory Ranker (spec §4.3): query
// derivation, candidate fetch, significance-weighted scoring, role
// balance, exclusions, and the similarity floor.
package ranker

import (
	"context"
	"math"
	"sort"
	"time"

	"sessioncore/internal/convstore"
	"sessioncore/internal/memory"
	"sessioncore/internal/memorystore"
)

const (
	kPerQuery = 10
)

// Config carries the tunables §4.3 and §6 name as environment knobs.
type Config struct {
	SimilarityThreshold      float64
	InitialRetrievalTopK     int
	RetrievalTopK            int
	SignificanceHalfLifeDays float64
	RecencyBoostStrength     float64
	SignificanceFloor        float64
}

// Candidate is one memory entry mid-ranking, carrying both the raw
// similarity from the vector search and the derived significance/combined
// score.
type Candidate struct {
	memory.Entry
	ConversationID string
}

// Ranker ties together a Memory Store Adapter and the database of record.
type Ranker struct {
	cfg      Config
	memStore *memorystore.Adapter
	conv     convstore.Store
	clock    func() time.Time
}

// New constructs a Ranker. clock defaults to time.Now when nil (tests can
// inject a fixed clock for deterministic age_days/recency calculations).
func New(cfg Config, store *memorystore.Adapter, conv convstore.Store, clock func() time.Time) *Ranker {
	if clock == nil {
		clock = time.Now
	}
	return &Ranker{cfg: cfg, memStore: store, conv: conv, clock: clock}
}

// Retrieve runs the full §4.3 pipeline for one turn and returns the final
// top-k candidates, already floor-filtered, sorted by combined score
// descending. entityID scopes the vector index; currentConversationID is
// excluded from the search (self-exclusion); hasRetrievedBefore selects
// INITIAL_K vs STEADY_K; inContextIDs and deliberate toggle the §4.3.6/§4.9
// exclusion rules.
func (r *Ranker) Retrieve(ctx context.Context, entityID, currentConversationID string, queries Queries, hasRetrievedBefore bool, inContextIDs map[string]bool, deliberate bool) []Candidate {
	if !queries.HasUserQuery && !queries.HasAssistant {
		return nil
	}

	type tagged struct {
		hit    memorystore.Hit
		source string
	}
	byID := map[string]tagged{}
	addHits := func(hits []memorystore.Hit, source string) {
		for _, h := range hits {
			if existing, ok := byID[h.ID]; ok {
				src := existing.source
				if src != source {
					src = "both"
				}
				if h.Score > existing.hit.Score {
					existing.hit = h
				}
				existing.source = src
				byID[h.ID] = existing
				continue
			}
			byID[h.ID] = tagged{hit: h, source: source}
		}
	}

	filter := memorystore.Filter{}
	if !deliberate {
		filter.ExcludeConversationID = currentConversationID
	}
	if queries.HasUserQuery {
		addHits(r.memStore.Search(ctx, entityID, queries.UserQuery, kPerQuery, filter), "user")
	}
	if queries.HasAssistant {
		addHits(r.memStore.Search(ctx, entityID, queries.AssistantQuery, kPerQuery, filter), "assistant")
	}

	var archived map[string]bool
	if !deliberate {
		archived, _ = r.conv.ArchivedConversationIDs(ctx, entityID)
	}

	candidates := make([]Candidate, 0, len(byID))
	for id, t := range byID {
		if !deliberate && inContextIDs[id] {
			continue
		}
		msg, err := r.conv.GetMessage(ctx, id)
		if err != nil {
			continue // orphaned vector hit: skip silently, spec §4.3.6/§7
		}
		if !deliberate && archived[msg.ConversationID] {
			continue
		}
		sig := r.significance(msg.TimesRetrieved, msg.CreatedAt, msg.LastRetrievedAt)
		entry := memory.Entry{
			ID:                   id,
			SourceConversationID: msg.ConversationID,
			Role:                 roleOf(msg.Role),
			Content:              msg.Content,
			CreatedAt:            msg.CreatedAt,
			TimesRetrieved:       msg.TimesRetrieved,
			LastRetrievedAt:      msg.LastRetrievedAt,
			Similarity:           t.hit.Score,
			Significance:         sig,
			Source:               memory.Source(t.source),
		}
		entry.CombinedScore = entry.Similarity * (1 + entry.Significance)
		candidates = append(candidates, Candidate{Entry: entry, ConversationID: msg.ConversationID})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})

	topK := r.cfg.RetrievalTopK
	if !hasRetrievedBefore {
		topK = r.cfg.InitialRetrievalTopK
	}
	if topK <= 0 {
		topK = 4
	}
	selected := candidates
	if len(selected) > topK {
		selected = append([]Candidate(nil), candidates[:topK]...)
	} else {
		selected = append([]Candidate(nil), candidates...)
	}

	selected = balanceRoles(selected, candidates)

	floor := r.cfg.SimilarityThreshold
	out := make([]Candidate, 0, len(selected))
	for _, c := range selected {
		if c.Similarity < floor {
			continue
		}
		out = append(out, c)
	}
	return out
}

// significance implements spec §4.3.3, unchanged from the confirmed
// source formula.
func (r *Ranker) significance(timesRetrieved int, createdAt time.Time, lastRetrievedAt *time.Time) float64 {
	now := r.clock().UTC()
	halfLife := r.cfg.SignificanceHalfLifeDays
	if halfLife <= 0 {
		halfLife = 60
	}
	ceiling := r.cfg.RecencyBoostStrength
	if ceiling == 0 {
		ceiling = 1.0
	}
	floor := r.cfg.SignificanceFloor
	if floor == 0 {
		floor = 0.01
	}

	ageDays := now.Sub(createdAt).Hours() / 24
	halfLifeModifier := math.Pow(0.5, ageDays/halfLife)

	recencyFactor := 1.0
	if lastRetrievedAt != nil {
		daysSinceRetrieval := now.Sub(*lastRetrievedAt).Hours() / 24
		if daysSinceRetrieval <= 0 {
			recencyFactor = 1 + ceiling
		} else {
			recencyFactor = 1 + math.Min(1/daysSinceRetrieval, ceiling)
		}
	}

	sig := float64(timesRetrieved) * recencyFactor * halfLifeModifier
	if sig < floor {
		sig = floor
	}
	return sig
}

// balanceRoles implements spec §4.3.5: if the selected set is
// single-role, swap the lowest-scored selection for the best candidate of
// the missing role, provided the pool as a whole contains that role.
func balanceRoles(selected, pool []Candidate) []Candidate {
	if len(selected) == 0 {
		return selected
	}
	roles := map[memory.Role]bool{}
	for _, c := range selected {
		roles[c.Role] = true
	}
	if len(roles) != 1 {
		return selected
	}
	var missing memory.Role
	if roles[memory.RoleHuman] {
		missing = memory.RoleAssistant
	} else {
		missing = memory.RoleHuman
	}

	selectedIDs := map[string]bool{}
	for _, c := range selected {
		selectedIDs[c.ID] = true
	}
	var best *Candidate
	for i := range pool {
		if pool[i].Role != missing || selectedIDs[pool[i].ID] {
			continue
		}
		if best == nil || pool[i].CombinedScore > best.CombinedScore {
			c := pool[i]
			best = &c
		}
	}
	if best == nil {
		return selected
	}

	worstIdx := 0
	for i := range selected {
		if selected[i].CombinedScore < selected[worstIdx].CombinedScore {
			worstIdx = i
		}
	}
	selected[worstIdx] = *best
	return selected
}

func roleOf(r convstore.MessageRole) memory.Role {
	if r == convstore.RoleAssistant {
		return memory.RoleAssistant
	}
	return memory.RoleHuman
}
