package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/config"
	"github.com/fyrsmithlabs/devchain/internal/sanitize"
)

// NewStore builds the backend selected by cfg.Provider and wraps it with
// metrics. dim is the embedder's vector length.
//
// Providers:
//   - "chromem": embedded, in memory or persisted under cfg.Path
//   - "qdrant": remote Qdrant over gRPC
func NewStore(ctx context.Context, cfg config.MemoryConfig, dim int, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Provider {
	case config.ProviderChromem, "":
		store, err = NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			Compress:   cfg.Compress,
			Collection: sanitize.Identifier(cfg.Collection),
			Dimension:  dim,
		}, logger)
	case config.ProviderQdrant:
		store, err = NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey.Value(),
			UseTLS:     cfg.QdrantTLS,
			Collection: sanitize.Identifier(cfg.Collection),
			Dimension:  dim,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s store: %w", config.ErrConfiguration, cfg.Provider, err)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderChromem
	}
	return Instrument(store, provider), nil
}
