package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("devchain.memory.qdrant")

// pointNamespace derives point ids from item keys so that upserting the
// same key always targets the same point.
var pointNamespace = uuid.MustParse("0f6a3c52-3f55-4b8e-9c1e-6d2f7d0b9a41")

// Payload field names.
const (
	payloadKey      = "key"
	payloadContent  = "content"
	payloadMetadata = "metadata"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	Host       string
	Port       int // gRPC port, not the REST port
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int

	MaxRetries   int
	RetryBackoff time.Duration
	// MaxRetryBackoff caps the doubling backoff between retries.
	MaxRetryBackoff time.Duration
	// MaxMessageSize bounds gRPC messages in both directions.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 10 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return nil
}

// pointsAPI is the subset of *qdrant.Client used by QdrantStore.
type pointsAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// QdrantStore implements Store over Qdrant's native gRPC API.
type QdrantStore struct {
	client pointsAPI
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects, health-checks the server and ensures the
// collection exists. Failures here are startup configuration errors.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	store, err := newQdrantStore(ctx, client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func newQdrantStore(ctx context.Context, client pointsAPI, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &QdrantStore{client: client, config: cfg, logger: logger}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(checkCtx); err != nil {
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	if err := s.ensureCollection(checkCtx); err != nil {
		return nil, err
	}

	logger.Info("qdrant memory store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.Collection)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.retry(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// PointID returns the deterministic Qdrant point id for key.
func PointID(key string) string {
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// Add upserts item; the point id is derived from the key.
func (s *QdrantStore) Add(ctx context.Context, item Item) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Add")
	defer span.End()
	span.SetAttributes(attribute.String("key", item.Key))

	if err := validateItem(item, s.config.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	meta := make(map[string]*qdrant.Value, len(item.Metadata))
	for k, v := range item.Metadata {
		meta[k] = qdrant.NewValueString(v)
	}
	payload := map[string]*qdrant.Value{
		payloadKey:      qdrant.NewValueString(item.Key),
		payloadContent:  qdrant.NewValueString(item.Content),
		payloadMetadata: qdrant.NewValueStruct(&qdrant.Struct{Fields: meta}),
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(item.Key)),
		Vectors: qdrant.NewVectors(item.Vector...),
		Payload: payload,
	}

	err := s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %s: %w", item.Key, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// tieSlack over-fetches so that equal scores at the cut are re-ranked by key.
// When a full page still ends inside the tie group at the cut, Query fetches
// a larger page until the group is complete.
const tieSlack = 8

// tiedAtCut reports whether points, sorted by descending score, may continue
// past the page with the same score as the k-th point.
func tiedAtCut(points []*qdrant.ScoredPoint, k, limit int) bool {
	if len(points) < limit || len(points) <= k {
		return false
	}
	return points[len(points)-1].GetScore() == points[k-1].GetScore()
}

// Query searches the collection and re-ranks for a stable order.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if err := validateQuery(vector, k, s.config.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if k == 0 {
		return []Match{}, nil
	}

	var points []*qdrant.ScoredPoint
	var err error
	for limit := k + tieSlack; ; limit *= 2 {
		err = s.retry(ctx, "query", func() error {
			res, err := s.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: s.config.Collection,
				Query:          qdrant.NewQuery(vector...),
				Limit:          qdrant.PtrOf(uint64(limit)),
				WithPayload:    qdrant.NewWithPayload(true),
				Filter:         toQdrantFilter(filter),
			})
			if err != nil {
				return err
			}
			points = res
			return nil
		})
		if err != nil || !tiedAtCut(points, k, limit) {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, Match{Item: itemFromPayload(p.GetPayload()), Score: p.GetScore()})
	}
	matches = rank(matches, k)

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes the point for key. Deleting an absent point succeeds.
func (s *QdrantStore) Delete(ctx context.Context, key string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidItem)
	}

	err := s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(key))),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func toQdrantFilter(f Filter) *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(f))
	for k, v := range f {
		conditions = append(conditions, qdrant.NewMatchKeyword(payloadMetadata+"."+k, v))
	}
	return &qdrant.Filter{Must: conditions}
}

func itemFromPayload(payload map[string]*qdrant.Value) Item {
	item := Item{
		Key:     payload[payloadKey].GetStringValue(),
		Content: payload[payloadContent].GetStringValue(),
	}
	if fields := payload[payloadMetadata].GetStructValue().GetFields(); len(fields) > 0 {
		item.Metadata = make(map[string]string, len(fields))
		for k, v := range fields {
			item.Metadata[k] = v.GetStringValue()
		}
	}
	return item
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// nextBackoff doubles d up to MaxRetryBackoff.
func (c QdrantConfig) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if c.MaxRetryBackoff > 0 && d > c.MaxRetryBackoff {
		return c.MaxRetryBackoff
	}
	return d
}

// retry runs op with exponential backoff while it fails transiently.
// Exhausted retries are wrapped with ErrTransient.
func (s *QdrantStore) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		if attempt >= s.config.MaxRetries {
			return fmt.Errorf("%w: %s failed after %d retries: %w", ErrTransient, name, s.config.MaxRetries, err)
		}

		s.logger.Warn("qdrant operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff = s.config.nextBackoff(backoff)
		}
	}
}
