package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"engram/internal/config"
	"engram/internal/memerr"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so artifact
// and chunk ids are mapped to deterministic UUIDs and the original id is
// kept in the payload.
const payloadIDField = "_original_id"

type qdrantStore struct {
	client    *qdrant.Client
	dimension int
}

// NewQdrant connects to Qdrant (gRPC, port 6334 by default) and ensures the
// content and chunks collections exist with the configured dimensionality.
// An API key may be passed as a DSN query parameter: "http://host:6334?api_key=k".
func NewQdrant(ctx context.Context, cfg config.QdrantConfig, dimensions int) (Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("qdrant requires dimensions > 0")
	}
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse Qdrant DSN: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in Qdrant DSN: %w", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsedURL.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create Qdrant client: %w", err)
	}
	s := &qdrantStore{client: client, dimension: dimensions}
	for _, coll := range []string{cfg.ContentCollection, cfg.ChunksCollection} {
		if err := s.ensureCollection(ctx, coll); err != nil {
			client.Close()
			return nil, fmt.Errorf("ensure collection %s: %w", coll, err)
		}
	}
	return s, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (s *qdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[payloadIDField] = p.ID
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(p.ID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpoints,
	})
	return memerr.Wrap(memerr.KindStorage, err, "qdrant upsert %s", collection)
}

func (s *qdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(pointUUID(id)))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	return memerr.Wrap(memerr.KindStorage, err, "qdrant delete %s", collection)
}

func (s *qdrantStore) Query(ctx context.Context, collection string, vector []float32, limit int, filter map[string]string) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}
	lim := uint64(limit)
	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "qdrant query %s", collection)
	}
	hits := make([]Hit, 0, len(res))
	for _, h := range res {
		payload := make(map[string]string)
		id := h.Id.GetUuid()
		for k, v := range h.Payload {
			if k == payloadIDField {
				id = v.GetStringValue()
				continue
			}
			payload[k] = v.GetStringValue()
		}
		hits = append(hits, Hit{ID: id, Score: float64(h.Score), Payload: payload})
	}
	return hits, nil
}

func (s *qdrantStore) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

func (s *qdrantStore) Close() error { return s.client.Close() }
