package memorystore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadOriginalID stores the caller-supplied id when it isn't itself a
// valid UUID, since Qdrant point ids must be a UUID or a positive integer.
const payloadOriginalID = "_original_id"

// QdrantBackend implements Backend against Qdrant, one collection per
// entity id (spec §4.2 "one logical index per entity id").
type QdrantBackend struct {
	client    *qdrant.Client
	dimension int
	metric    string

	mu          sync.Mutex
	collections map[string]bool
}

// NewQdrantBackend dials dsn (host:port or a qdrant:// URL, optionally
// carrying ?api_key=...) and lazily creates one collection per entity.
func NewQdrantBackend(dsn string, dimension int, metric string) (*QdrantBackend, error) {
	if !strings.Contains(dsn, "://") {
		dsn = "qdrant://" + dsn // bare host:port
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantBackend{
		client:      client,
		dimension:   dimension,
		metric:      strings.ToLower(strings.TrimSpace(metric)),
		collections: map[string]bool{},
	}, nil
}

func collectionName(entityID string) string { return "memory_" + entityID }

func (q *QdrantBackend) ensureCollection(ctx context.Context, entityID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	name := collectionName(entityID)
	if q.collections[name] {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists {
		var distance qdrant.Distance
		switch q.metric {
		case "l2", "euclidean":
			distance = qdrant.Distance_Euclid
		case "ip", "dot":
			distance = qdrant.Distance_Dot
		case "manhattan":
			distance = qdrant.Distance_Manhattan
		default:
			distance = qdrant.Distance_Cosine
		}
		if q.dimension <= 0 {
			return fmt.Errorf("qdrant requires dimensions > 0")
		}
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dimension),
				Distance: distance,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	q.collections[name] = true
	return nil
}

func pointIDFor(id string) (pointID *qdrant.PointId, original string) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), ""
	}
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	return qdrant.NewIDUUID(derived), id
}

// Upsert embeds text server-side (Qdrant's inference API, configured
// out-of-band) and stores the caller's metadata plus the id mapping.
func (q *QdrantBackend) Upsert(ctx context.Context, entityID, id, text string, metadata map[string]string) error {
	if err := q.ensureCollection(ctx, entityID); err != nil {
		return err
	}
	pointID, original := pointIDFor(id)
	payload := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["_text"] = text
	if original != "" {
		payload[payloadOriginalID] = original
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collectionName(entityID),
		Points: []*qdrant.PointStruct{{
			Id:      pointID,
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	return err
}

func (q *QdrantBackend) Delete(ctx context.Context, entityID, id string) error {
	pointID, _ := pointIDFor(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionName(entityID),
		Points:         qdrant.NewPointsSelector(pointID),
	})
	return err
}

// Search issues a text-query search against the collection. filter's
// ExcludeConversationID is translated to a Qdrant "must not" condition —
// the one filter spec §4.2 requires at minimum.
func (q *QdrantBackend) Search(ctx context.Context, entityID, text string, k int, filter Filter) ([]Hit, error) {
	if err := q.ensureCollection(ctx, entityID); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	var qf *qdrant.Filter
	if filter.ExcludeConversationID != "" {
		qf = &qdrant.Filter{
			MustNot: []*qdrant.Condition{qdrant.NewMatch("conversation_id", filter.ExcludeConversationID)},
		}
	}
	limit := uint64(k)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionName(entityID),
		Query:          qdrant.NewQueryText(text),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		uid := r.Id.GetUuid()
		metadata := map[string]string{}
		var original string
		if r.Payload != nil {
			for k, v := range r.Payload {
				if k == payloadOriginalID {
					original = v.GetStringValue()
					continue
				}
				if k == "_text" {
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := original
		if id == "" {
			id = uid
		}
		hits = append(hits, Hit{ID: id, Score: float64(r.Score), Metadata: metadata})
	}
	return hits, nil
}

func (q *QdrantBackend) UpdateMetadata(ctx context.Context, entityID, id string, partial map[string]string) error {
	pointID, _ := pointIDFor(id)
	payload := make(map[string]any, len(partial))
	for k, v := range partial {
		payload[k] = v
	}
	_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collectionName(entityID),
		Payload:        qdrant.NewValueMap(payload),
		PointsSelector: qdrant.NewPointsSelector(pointID),
	})
	return err
}

func (q *QdrantBackend) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}
	req := &qdrant.ScrollPoints{
		CollectionName: collectionName(entityID),
		Limit:          uintPtr(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cursor != "" {
		pointID, _ := pointIDFor(cursor)
		req.Offset = pointID
	}
	points, err := q.client.Scroll(ctx, req)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(points))
	var next string
	for _, p := range points {
		uid := p.Id.GetUuid()
		id := uid
		if p.Payload != nil {
			if v, ok := p.Payload[payloadOriginalID]; ok {
				id = v.GetStringValue()
			}
		}
		ids = append(ids, id)
		next = uid
	}
	if len(points) < limit {
		next = ""
	}
	return ids, next, nil
}

func (q *QdrantBackend) Close() error { return q.client.Close() }

func uintPtr(v uint32) *uint32 { return &v }
