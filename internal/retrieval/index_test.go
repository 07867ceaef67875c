package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"club-assistant/internal/models"
	"club-assistant/internal/parser"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestIndex(dir string, interval time.Duration, backend Backend) *Index {
	return NewIndex(Options{
		DataDir:         dir,
		Extensions:      []string{".md"},
		Parser:          parser.Options{ChunkSize: 200, ChunkOverlap: 20},
		RefreshInterval: interval,
	}, backend)
}

func TestQueryEmptyAndMissingCorpus(t *testing.T) {
	ctx := context.Background()

	idx := newTestIndex(filepath.Join(t.TempDir(), "missing"), time.Hour, nil)
	chunks, err := idx.Query(ctx, "社团", 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	idx = newTestIndex(t.TempDir(), time.Hour, nil)
	chunks, err = idx.Query(ctx, "社团", 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, idx.Status().Chunks)
}

func TestDocumentsListsIndexedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "faq.md", "常见问题")
	writeFile(t, dir, "活动/2024.md", "年度活动")
	writeFile(t, dir, "notes.txt", "not indexed")
	idx := newTestIndex(dir, time.Hour, nil)

	docs := idx.Documents(context.Background())

	require.Len(t, docs, 2)
	assert.Equal(t, "faq.md", docs[0].FilePath)
	assert.Equal(t, "General", docs[0].Category)
	assert.Equal(t, 1, docs[0].ID)
	assert.Equal(t, "活动/2024.md", docs[1].FilePath)
	assert.Equal(t, "2024.md", docs[1].Title)
	assert.Equal(t, "活动", docs[1].Category)
	assert.Equal(t, int64(len("年度活动")), docs[1].Size)
	assert.False(t, docs[1].UpdatedAt.IsZero())
}

func TestQueryRanksBestFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "join.md", "# 入社流程\n新成员入社需要在官网注册账号，默认密码由管理员告知。")
	writeFile(t, dir, "gear.md", "# 器材借用\n摄像机和三脚架需要提前预约借用。")
	writeFile(t, dir, "notes.txt", "入社 注册 入社 注册")

	idx := newTestIndex(dir, time.Hour, nil)
	chunks, err := idx.Query(context.Background(), "怎么注册入社", 4)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Equal(t, "join.md", chunks[0].SourceFilename)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].Score, chunks[i].Score)
	}
	for _, c := range chunks {
		assert.Greater(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		assert.NotEqual(t, "notes.txt", c.SourceFilename)
	}
}

func TestQueryNoMatchIsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "动画系介绍")
	idx := newTestIndex(dir, time.Hour, nil)

	chunks, err := idx.Query(context.Background(), "zzz", 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = idx.Query(context.Background(), "   ", 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRefreshThrottleAndChangeDetection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "剪辑教程")

	idx := newTestIndex(dir, time.Hour, nil)
	clock := time.Now()
	idx.now = func() time.Time { return clock }
	ctx := context.Background()

	chunks, err := idx.Query(ctx, "配音", 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	writeFile(t, dir, "sub/b.md", "配音练习")

	// within the interval the new file is not seen
	chunks, err = idx.Query(ctx, "配音", 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	clock = clock.Add(2 * time.Hour)
	chunks, err = idx.Query(ctx, "配音", 4)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "sub/b.md", chunks[0].SourceFilename)
	assert.Equal(t, 2, idx.Status().Files)
}

func TestInvalidateForcesRescan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "剪辑教程")
	idx := newTestIndex(dir, time.Hour, nil)
	ctx := context.Background()

	_, err := idx.Query(ctx, "剪辑", 1)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.md")))
	idx.Invalidate()

	chunks, err := idx.Query(ctx, "剪辑", 1)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

type countingBackend struct {
	Lexical
	builds atomic.Int32
}

func (c *countingBackend) Build(ctx context.Context, chunks []models.Chunk) (Searcher, error) {
	c.builds.Add(1)
	time.Sleep(20 * time.Millisecond)
	return c.Lexical.Build(ctx, chunks)
}

func TestConcurrentRefreshSharesRebuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "特效合成")
	backend := &countingBackend{}
	idx := newTestIndex(dir, time.Hour, backend)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.Query(context.Background(), "特效", 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, backend.builds.Load(), int32(2))
	require.NoError(t, idx.Refresh(context.Background()))
	assert.Equal(t, 1, idx.Status().Chunks)
}

type gatedBackend struct {
	Lexical
	builds  atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Build(ctx context.Context, chunks []models.Chunk) (Searcher, error) {
	g.builds.Add(1)
	g.started <- struct{}{}
	<-g.release
	return g.Lexical.Build(ctx, chunks)
}

func TestForcedRefreshDoesNotJoinThrottledCheck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "特效合成")
	backend := &gatedBackend{started: make(chan struct{}, 4), release: make(chan struct{})}
	idx := newTestIndex(dir, time.Hour, backend)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, idx.RefreshIfNeeded(context.Background()))
	}()
	<-backend.started

	go func() {
		defer wg.Done()
		assert.NoError(t, idx.Refresh(context.Background()))
	}()
	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Error("forced refresh did not start its own rebuild")
	}

	close(backend.release)
	wg.Wait()
	assert.Equal(t, int32(2), backend.builds.Load())
	assert.Equal(t, 1, idx.Status().Chunks)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "社", "团", "社团", "v2"}, tokenize("Go 社团，v2"))
}

// letterEmbedding is a deterministic non-zero embedding for tests.
func letterEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 5)
	vec[4] = 0.1
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'd' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

var _ chromem.EmbeddingFunc = letterEmbedding

func TestVectorBackend(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "aaaa aaaa")
	writeFile(t, dir, "b.md", "bbbb bbbb")
	writeFile(t, dir, "c.md", "cccc cccc")

	idx := newTestIndex(dir, time.Hour, NewVector("knowledge", letterEmbedding))
	chunks, err := idx.Query(context.Background(), "bbb", 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "b.md", chunks[0].SourceFilename)
	assert.Equal(t, "chromem", idx.Status().Backend)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].Score, chunks[i].Score)
	}

	writeFile(t, dir, "d.md", "dddd")
	require.NoError(t, idx.Refresh(context.Background()))
	chunks, err = idx.Query(context.Background(), "dd", 1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "d.md", chunks[0].SourceFilename)
}
