package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"club-assistant/internal/config"
)

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len([]rune(text))), 1}, nil
}

func TestEmbeddingFunc(t *testing.T) {
	vec, err := EmbeddingFunc(fakeEmbedder{})(context.Background(), "社团")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1}, vec)

	_, err = EmbeddingFunc(fakeEmbedder{err: errors.New("ollama down")})(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama down")
}

func TestNewEmbedderProviders(t *testing.T) {
	_, err := NewEmbedder(config.EmbedConfig{Provider: "bert"})
	require.Error(t, err)

	e, err := NewEmbedder(config.EmbedConfig{Provider: "Ollama", BaseURL: "http://127.0.0.1:11434", Model: "nomic-embed-text"})
	require.NoError(t, err)
	assert.NotNil(t, e)

	e, err = NewEmbedder(config.EmbedConfig{Provider: "openai", BaseURL: "http://127.0.0.1:1/v1", Key: "Bearer k", Model: "text-embedding-3-small"})
	require.NoError(t, err)
	assert.NotNil(t, e)
}
