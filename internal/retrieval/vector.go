package retrieval

import (
	"context"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"club-assistant/internal/chromemdb"
	"club-assistant/internal/models"
)

// Vector indexes chunks in a fresh chromem collection on every build.
type Vector struct {
	collection string
	embed      chromem.EmbeddingFunc

	mu   sync.Mutex
	prev *chromemdb.VectorDBManager
}

func NewVector(collection string, embed chromem.EmbeddingFunc) *Vector {
	return &Vector{collection: collection, embed: embed}
}

func (*Vector) Name() string { return "chromem" }

func (v *Vector) Build(ctx context.Context, chunks []models.Chunk) (Searcher, error) {
	m, err := chromemdb.NewVectorDBManager(v.collection, v.embed)
	if err != nil {
		return nil, err
	}
	if err := m.AddChunks(ctx, chunks); err != nil {
		return nil, err
	}

	v.mu.Lock()
	prev := v.prev
	v.prev = m
	v.mu.Unlock()
	if prev != nil {
		if err := prev.DeleteCollection(); err != nil {
			log.Debug().Err(err).Msg("failed to drop previous vector collection")
		}
	}
	return m, nil
}
