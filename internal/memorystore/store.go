// Package memorystore implements the Memory Store Adapter (spec §4.2): one
// logical vector index per entity, wrapping an opaque vector-index client
// behind search/upsert/delete/update_metadata/list_ids, with soft-failure
// semantics and a short-TTL search cache.
package memorystore

import (
	"context"
	"sync"
	"time"

	"sessioncore/internal/observability"
)

// Hit is one candidate returned from a search, before any in-core ranking.
type Hit struct {
	ID       string
	Score    float64 // similarity, [0,1], descending order from the backend
	Metadata map[string]string
}

// Filter restricts a search. Only an exclusion on conversation_id is
// required by spec §4.2 ("at minimum conversation_id ≠ X").
type Filter struct {
	ExcludeConversationID string
}

// Backend is the opaque vector-index client a concrete Memory Store wraps.
// Embeddings are generated by the backend, never by the core (spec §2).
type Backend interface {
	Upsert(ctx context.Context, entityID, id, text string, metadata map[string]string) error
	Delete(ctx context.Context, entityID, id string) error
	Search(ctx context.Context, entityID, text string, k int, filter Filter) ([]Hit, error)
	UpdateMetadata(ctx context.Context, entityID, id string, partial map[string]string) error
	ListIDs(ctx context.Context, entityID string, cursor string, limit int) (ids []string, nextCursor string, err error)
}

// Adapter is the Memory Store Adapter exposed to the Ranker and Session
// Manager. It never returns a backend error to its callers: per spec §4.2
// "failure model", every operation degrades softly.
type Adapter struct {
	backend Backend
	cache   cacheBackend
}

// cacheBackend is the search cache's storage: an in-process map (single
// replica) or Redis (shared across replicas), selected by New/NewRedis.
type cacheBackend interface {
	get(ctx context.Context, key string) ([]Hit, bool)
	set(ctx context.Context, key, entityID string, hits []Hit)
	invalidateEntity(ctx context.Context, entityID string)
}

// New wraps backend with an in-process short-TTL search cache (default 60s
// per spec §4.2). Use NewRedis instead when the core runs as more than one
// replica and the cache must be shared.
func New(backend Backend, cacheTTL time.Duration) *Adapter {
	return &Adapter{backend: backend, cache: newSearchCache(normalizeTTL(cacheTTL))}
}

// NewRedis wraps backend with a Redis-backed search cache, shared across
// every replica of this service (spec §4.2's cache is otherwise scoped to
// one process).
func NewRedis(backend Backend, cacheTTL time.Duration, redisAddr string) *Adapter {
	return &Adapter{backend: backend, cache: newRedisSearchCache(redisAddr, normalizeTTL(cacheTTL))}
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 60 * time.Second
	}
	return ttl
}

// Upsert is idempotent on id. A failure is logged and surfaced only as a
// health signal (spec §4.2); callers treat the return value as best-effort.
func (a *Adapter) Upsert(ctx context.Context, entityID, id, text string, metadata map[string]string) error {
	if err := a.backend.Upsert(ctx, entityID, id, text, metadata); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("entity_id", entityID).Str("id", id).Msg("memorystore_upsert_failed")
		return err
	}
	a.cache.invalidateEntity(ctx, entityID)
	return nil
}

// Delete is idempotent.
func (a *Adapter) Delete(ctx context.Context, entityID, id string) error {
	if err := a.backend.Delete(ctx, entityID, id); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("entity_id", entityID).Str("id", id).Msg("memorystore_delete_failed")
		return err
	}
	a.cache.invalidateEntity(ctx, entityID)
	return nil
}

// Search returns at most k hits ordered by score descending. Any backend
// failure is treated as zero candidates (spec §4.2, §7): the turn proceeds
// without memories rather than failing.
func (a *Adapter) Search(ctx context.Context, entityID, text string, k int, filter Filter) []Hit {
	key := cacheKey(entityID, text, k, filter)
	if hits, ok := a.cache.get(ctx, key); ok {
		return hits
	}
	hits, err := a.backend.Search(ctx, entityID, text, k, filter)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("entity_id", entityID).Msg("memorystore_search_failed")
		return nil
	}
	a.cache.set(ctx, key, entityID, hits)
	return hits
}

// UpdateMetadata bumps per-id metadata (typically times_retrieved). A
// failure is logged but never fails the turn (spec §4.2, §7).
func (a *Adapter) UpdateMetadata(ctx context.Context, entityID, id string, partial map[string]string) {
	if err := a.backend.UpdateMetadata(ctx, entityID, id, partial); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("entity_id", entityID).Str("id", id).Msg("memorystore_metadata_update_failed")
	}
}

// ListIDs enumerates ids for orphan reconciliation. A failure yields an
// empty page rather than propagating.
func (a *Adapter) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string) {
	ids, next, err := a.backend.ListIDs(ctx, entityID, cursor, limit)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("entity_id", entityID).Msg("memorystore_list_ids_failed")
		return nil, ""
	}
	return ids, next
}

// searchCache memoises raw candidate lists keyed on
// (entity_id, normalised_query, k, filter), spec §4.2.
type searchCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cachedHits
}

type cachedHits struct {
	hits      []Hit
	expiresAt time.Time
	entityID  string
}

func newSearchCache(ttl time.Duration) *searchCache {
	return &searchCache{ttl: ttl, m: make(map[string]cachedHits)}
}

func (c *searchCache) get(ctx context.Context, key string) ([]Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.hits, true
}

func (c *searchCache) set(ctx context.Context, key, entityID string, hits []Hit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = cachedHits{hits: hits, expiresAt: time.Now().Add(c.ttl), entityID: entityID}
}

func (c *searchCache) invalidateEntity(ctx context.Context, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.m {
		if v.entityID == entityID {
			delete(c.m, k)
		}
	}
}
