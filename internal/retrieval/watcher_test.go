package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "剪辑教程")
	idx := newTestIndex(dir, time.Hour, nil)

	w, err := NewWatcher(idx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	chunks, err := idx.Query(context.Background(), "美术", 1)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	writeFile(t, dir, "b.md", "美术设定")

	assert.Eventually(t, func() bool {
		chunks, err := idx.Query(context.Background(), "美术", 1)
		return err == nil && len(chunks) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewWatcherMissingDir(t *testing.T) {
	idx := newTestIndex(t.TempDir()+"/missing", time.Hour, nil)
	_, err := NewWatcher(idx)
	require.Error(t, err)
}
