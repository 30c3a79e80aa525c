//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned by the fastembed provider in builds
// without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed provider needs a cgo build; use the hash or openai provider")

// FastEmbedProvider is a placeholder in builds without cgo.
type FastEmbedProvider struct{}

// NewFastEmbedProvider still validates cfg so a bad model name is reported
// as such, then fails with ErrFastEmbedNotAvailable.
func NewFastEmbedProvider(cfg LocalConfig) (*FastEmbedProvider, error) {
	if _, _, err := resolveLocal(cfg); err != nil {
		return nil, err
	}
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) Dimension() int { return 0 }

func (*FastEmbedProvider) Close() error { return nil }
