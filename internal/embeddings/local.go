package embeddings

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// LocalConfig selects an on-device ONNX model.
type LocalConfig struct {
	// Model is a HuggingFace id or a short alias such as "bge-small".
	Model string
	// CacheDir receives downloaded model files. Defaults to ./local_cache.
	CacheDir string
	// MaxLength caps tokens per input. Defaults to 512.
	MaxLength int
}

const (
	defaultLocalCacheDir  = "local_cache"
	defaultLocalMaxLength = 512
	localBatchSize        = 256
)

// localModels lists the models the fastembed provider can load and the
// vector size each produces.
var localModels = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

var localAliases = map[string]string{
	"bge-small": "BAAI/bge-small-en-v1.5",
	"bge-base":  "BAAI/bge-base-en-v1.5",
	"minilm":    "sentence-transformers/all-MiniLM-L6-v2",
}

// resolveLocal validates cfg, fills defaults and returns the canonical
// model id with its dimension.
func resolveLocal(cfg LocalConfig) (LocalConfig, int, error) {
	name := strings.TrimSpace(cfg.Model)
	if canonical, ok := localAliases[strings.ToLower(name)]; ok {
		name = canonical
	}
	dim, ok := localModels[name]
	if !ok {
		return cfg, 0, fmt.Errorf("%w: unsupported local model %q (supported: %s)",
			ErrInvalidConfig, cfg.Model, strings.Join(supportedLocalModels(), ", "))
	}
	cfg.Model = name
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(".", defaultLocalCacheDir)
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultLocalMaxLength
	}
	return cfg, dim, nil
}

func supportedLocalModels() []string {
	names := make([]string, 0, len(localModels))
	for name := range localModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
