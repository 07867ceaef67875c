package chromemdb

import (
	"context"
	"fmt"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"club-assistant/internal/models"
)

const (
	metaSource  = "source"
	metaSection = "section"
	metaChunkID = "chunk_id"
)

// VectorDBManager wraps one in-memory chromem collection holding a complete
// snapshot of the knowledge chunks.
type VectorDBManager struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewVectorDBManager creates an in-memory database with a single collection
// that embeds through ef.
func NewVectorDBManager(collectionName string, ef chromem.EmbeddingFunc) (*VectorDBManager, error) {
	db := chromem.NewDB()
	c, err := db.GetOrCreateCollection(collectionName, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	return &VectorDBManager{db: db, collection: c}, nil
}

// AddChunks embeds and stores chunks.
func (m *VectorDBManager) AddChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, chromem.Document{
			ID:      fmt.Sprintf("%s#%d#%d", c.SourceFilename, c.ChunkID, i),
			Content: c.Content,
			Metadata: map[string]string{
				metaSource:  c.SourceFilename,
				metaSection: c.Section,
				metaChunkID: strconv.Itoa(c.ChunkID),
			},
		})
	}
	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	log.Debug().Int("documents", len(docs)).Str("collection", m.collection.Name).Msg("added documents to vector collection")
	return nil
}

func (m *VectorDBManager) Count() int {
	return m.collection.Count()
}

// Search returns up to k chunks by cosine similarity, best first. Results
// with non-positive similarity are dropped.
func (m *VectorDBManager) Search(ctx context.Context, query string, k int) ([]models.Chunk, error) {
	if query == "" {
		return nil, fmt.Errorf("query must be provided")
	}
	k = min(k, m.collection.Count())
	if k <= 0 {
		return nil, nil
	}

	results, err := m.collection.QueryWithOptions(ctx, chromem.QueryOptions{QueryText: query, NResults: k})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	out := make([]models.Chunk, 0, len(results))
	for _, r := range results {
		if r.Similarity <= 0 {
			continue
		}
		id, _ := strconv.Atoi(r.Metadata[metaChunkID])
		out = append(out, models.Chunk{
			Content:        r.Content,
			SourceFilename: r.Metadata[metaSource],
			Section:        r.Metadata[metaSection],
			ChunkID:        id,
			Score:          min(1, float64(r.Similarity)),
		})
	}
	return out, nil
}

// DeleteCollection drops the collection and its documents.
func (m *VectorDBManager) DeleteCollection() error {
	if err := m.db.DeleteCollection(m.collection.Name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}
