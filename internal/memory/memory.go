// Package memory keeps short conversation histories per actor and session.
//
// Memory is best effort: a failing store never fails a turn, it only makes
// the assistant forget.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"club-assistant/internal/models"
)

type Mode string

const (
	Temporary Mode = "temporary"
	LongTerm  Mode = "longterm"
)

// NormalizeMode maps the client's memoryMode value onto a Mode. Anything
// unrecognised is temporary.
func NormalizeMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "longterm", "long", "persistent", "cn":
		return LongTerm
	default:
		return Temporary
	}
}

// Key names the history a turn belongs to. Long-term memory follows the
// actor across sessions; temporary memory is per session.
func Key(mode Mode, actor, session string) string {
	cn := strings.TrimSpace(actor)
	if cn == "" {
		cn = "anon"
	}
	if mode == LongTerm {
		return cn
	}
	sid := strings.TrimSpace(session)
	if sid == "" {
		sid = "default"
	}
	return cn + ":" + sid
}

// Store persists turns in insertion order.
type Store interface {
	Messages(ctx context.Context, key string) ([]models.Turn, error)
	Append(ctx context.Context, key string, turns ...models.Turn) error
	// Trim drops all but the newest keep turns.
	Trim(ctx context.Context, key string, keep int) error
}

type Options struct {
	LongTermCap     int
	TemporaryWindow int
}

type History struct {
	store Store
	opts  Options
	now   func() time.Time
}

func NewHistory(store Store, opts Options) *History {
	if opts.LongTermCap <= 0 {
		opts.LongTermCap = 14
	}
	if opts.TemporaryWindow <= 0 {
		opts.TemporaryWindow = 20
	}
	return &History{store: store, opts: opts, now: time.Now}
}

func (h *History) window(mode Mode) int {
	if mode == LongTerm {
		return h.opts.LongTermCap
	}
	return h.opts.TemporaryWindow
}

// Load returns the most recent turns to replay before the new question.
func (h *History) Load(ctx context.Context, mode Mode, key string) []models.Turn {
	if h == nil || h.store == nil {
		return nil
	}
	turns, err := h.store.Messages(ctx, key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to load chat history, continuing without it")
		return nil
	}
	if n := h.window(mode); len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

// Save records one question/answer round. Empty answers are not stored.
func (h *History) Save(ctx context.Context, mode Mode, key, question, answer string) {
	if h == nil || h.store == nil {
		return
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return
	}
	logger := zerolog.Ctx(ctx)

	now := h.now()
	err := h.store.Append(ctx, key,
		models.Turn{Role: models.RoleUser, Text: strings.TrimSpace(question), CreatedAt: now},
		models.Turn{Role: models.RoleAssistant, Text: answer, CreatedAt: now},
	)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("failed to save chat history")
		return
	}
	if mode == LongTerm {
		if err := h.store.Trim(ctx, key, h.opts.LongTermCap); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("failed to trim long-term history")
		}
	}
}

// MemoryStore keeps histories in process. Each history is bounded by limit
// so temporary sessions cannot grow without end.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]models.Turn
	limit    int
}

func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]models.Turn), limit: limit}
}

func (s *MemoryStore) Messages(_ context.Context, key string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.sessions[key]
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, key string, turns ...models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(s.sessions[key], turns...)
	if s.limit > 0 && len(all) > s.limit {
		all = append([]models.Turn(nil), all[len(all)-s.limit:]...)
	}
	s.sessions[key] = all
	return nil
}

func (s *MemoryStore) Trim(_ context.Context, key string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.sessions[key]
	if keep < 0 {
		keep = 0
	}
	if len(turns) > keep {
		s.sessions[key] = append([]models.Turn(nil), turns[len(turns)-keep:]...)
	}
	return nil
}
