//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// FastEmbedProvider embeds on the local CPU through ONNX runtime, so
// memory works without an API key. The runtime shared library must be
// installed.
type FastEmbedProvider struct {
	mu    sync.RWMutex
	model *fastembed.FlagEmbedding
	name  string
	dim   int
}

// NewFastEmbedProvider loads the model, downloading it into the cache
// directory the first time.
func NewFastEmbedProvider(cfg LocalConfig) (*FastEmbedProvider, error) {
	cfg, dim, err := resolveLocal(cfg)
	if err != nil {
		return nil, err
	}

	quiet := false
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                fastembedModels[cfg.Model],
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrEmbeddingFailed, cfg.Model, err)
	}
	return &FastEmbedProvider{model: model, name: cfg.Model, dim: dim}, nil
}

// EmbedDocuments embeds stored text with the passage prefix.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	model, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.mu.RUnlock()

	out, err := model.PassageEmbed(texts, localBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingFailed, p.name, err)
	}
	return out, nil
}

// EmbedQuery embeds a recall query with the query prefix.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	model, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.mu.RUnlock()

	out, err := model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingFailed, p.name, err)
	}
	return out, nil
}

// acquire read-locks the model. The caller must RUnlock on success.
func (p *FastEmbedProvider) acquire(ctx context.Context) (*fastembed.FlagEmbedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	if p.model == nil {
		p.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s provider is closed", ErrEmbeddingFailed, p.name)
	}
	return p.model, nil
}

func (p *FastEmbedProvider) Dimension() int { return p.dim }

// Close frees the ONNX session. Later calls fail with ErrEmbeddingFailed.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
