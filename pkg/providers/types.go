package providers

import (
	"context"

	"github.com/dotsetgreg/memsync/pkg/profile"
)

// Embedder maps text to a vector.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider is the embedding and structured-extraction backend.
type Provider interface {
	Embedder
	profile.Extractor
	Name() string
}
