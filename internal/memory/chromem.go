package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("devchain.memory.chromem")

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	// Path persists the database to disk. Empty keeps it in memory.
	Path       string
	Compress   bool
	Collection string
	// Dimension is the expected vector length; 0 disables the check.
	Dimension int
}

// ChromemStore implements Store on an embedded chromem-go database.
// Query counts the collection and then ranks it, so mu keeps writers out
// between the two steps.
type ChromemStore struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the configured collection.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem memory store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
	)

	return &ChromemStore{db: db, collection: collection, config: cfg, logger: logger}, nil
}

// precomputedOnly is the collection's embedding func. Callers always supply
// vectors, so chromem must never try to embed text itself.
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("memory: vectors must be supplied by the caller")
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Add stores item under its key, replacing any previous document.
func (s *ChromemStore) Add(ctx context.Context, item Item) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()
	span.SetAttributes(attribute.String("key", item.Key))

	if err := validateItem(item, s.config.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	doc := chromem.Document{
		ID:        item.Key,
		Content:   item.Content,
		Metadata:  copyMetadata(item.Metadata),
		Embedding: append([]float32(nil), item.Vector...),
	}
	s.mu.Lock()
	err := s.collection.AddDocument(ctx, doc)
	s.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document %s: %w", item.Key, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("memory item stored", zap.String("key", item.Key))
	return nil
}

// Query ranks every filtered document and returns the top k. chromem's own
// ordering does not break ties, so the full candidate set is re-ranked.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if err := validateQuery(vector, k, s.config.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var where map[string]string
	if len(filter) > 0 {
		where = map[string]string(filter)
	}

	s.mu.RLock()
	count := s.collection.Count()
	var (
		results []chromem.Result
		err     error
	)
	if k > 0 && count > 0 {
		results, err = s.collection.QueryEmbedding(ctx, vector, count, where, nil)
	}
	s.mu.RUnlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Item: Item{
				Key:      r.ID,
				Content:  r.Content,
				Vector:   r.Embedding,
				Metadata: copyMetadata(r.Metadata),
			},
			Score: r.Similarity,
		})
	}
	matches = rank(matches, k)

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes the document stored under key.
func (s *ChromemStore) Delete(ctx context.Context, key string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidItem)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.collection.GetByID(ctx, key); err != nil {
		// chromem reports unknown ids as an error; Delete is idempotent.
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s: %w", key, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close is a no-op; persistent chromem writes through on every change.
func (s *ChromemStore) Close() error {
	return nil
}
