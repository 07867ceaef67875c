// Package rag answers questions over the club knowledge base, either as a
// plain assistant or, in agent mode, with access to the member directory.
//
// Several failures degrade silently instead of failing a turn:
//   - an index refresh error serves the previously built index;
//   - an empty corpus yields a "nothing found" context;
//   - a chat history store that cannot be read or written is skipped;
//   - directory failures are handed to the responder as data.
package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"club-assistant/internal/agent"
	"club-assistant/internal/config"
	"club-assistant/internal/helper"
	"club-assistant/internal/llmservice"
	"club-assistant/internal/memory"
	"club-assistant/internal/models"
	"club-assistant/internal/stream"
)

const (
	PlainErrorPrefix = "AI 服务错误"
	AgentErrorPrefix = "MCP 代理错误"
)

var ErrEmptyQuestion = errors.New("question cannot be empty")

var thinkRe = regexp.MustCompile(models.ThinkTag)

// Retriever is the knowledge index.
type Retriever interface {
	RefreshIfNeeded(ctx context.Context) error
	Query(ctx context.Context, text string, k int) ([]models.Chunk, error)
}

// Agent executes directory requests and composes the reply.
type Agent interface {
	Run(ctx context.Context, req agent.Request, out agent.Sink) (*agent.Result, error)
}

type Options struct {
	LLM      config.LLMConfig
	TopK     int
	MaxHints int
	Prompts  Prompts
}

type Service struct {
	index   Retriever
	models  llmservice.Factory
	agent   Agent
	policy  agent.Policy
	history *memory.History
	opts    Options
}

func NewService(index Retriever, factory llmservice.Factory, a Agent, policy agent.Policy, history *memory.History, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	if opts.MaxHints <= 0 {
		opts.MaxHints = 6
	}
	if opts.LLM.AssistantTemperature == 0 {
		opts.LLM.AssistantTemperature = 0.3
	}
	if opts.Prompts.User == "" {
		opts.Prompts.User = defaultUserTemplate
	}
	return &Service{index: index, models: factory, agent: a, policy: policy, history: history, opts: opts}
}

// Request is one streamed turn.
type Request struct {
	Question      string
	Hints         []models.Chunk
	Model         string
	Authorization string
	Actor         string
	SessionID     string
	MemoryMode    string
	// History, when set, is the client's own conversation; server-side
	// memory is then neither read nor written.
	History []models.Turn
	// Agent enables directory tools.
	Agent bool
}

// StreamTurn answers req as a stream of begin, items and end. Every failure
// surfaces as a final diagnostic item; the stream always ends with End.
func (s *Service) StreamTurn(ctx context.Context, req Request) <-chan stream.Event {
	prefix := PlainErrorPrefix
	if req.Agent {
		prefix = AgentErrorPrefix
	}
	return stream.Run(ctx, prefix, s.body(req))
}

// Answer runs the same turn as StreamTurn but returns the whole reply, or
// the error that would have ended the stream.
func (s *Service) Answer(ctx context.Context, req Request) (string, error) {
	return stream.Collect(ctx, s.body(req))
}

func (s *Service) body(req Request) stream.Body {
	return func(ctx context.Context, out *stream.Emitter) error {
		t, err := s.prepare(ctx, req)
		if err != nil {
			return err
		}
		if req.Agent {
			return s.agentTurn(ctx, t, out)
		}
		return s.plainTurn(ctx, t, out)
	}
}

type turnSetup struct {
	req     Request
	model   llms.Model
	mode    memory.Mode
	key     string
	history []llms.MessageContent
	prompt  string
}

func (s *Service) prepare(ctx context.Context, req Request) (*turnSetup, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, stream.WithKind("ValueError", ErrEmptyQuestion)
	}

	name := llmservice.ResolveModel(req.Model, s.opts.LLM)
	model, err := s.models.Model(name)
	if err != nil {
		if errors.Is(err, llmservice.ErrNoAPIKey) {
			return nil, stream.WithKind("AuthenticationError", err)
		}
		return nil, err
	}

	mode := memory.NormalizeMode(req.MemoryMode)
	key := memory.Key(mode, req.Actor, req.SessionID)

	zerolog.Ctx(ctx).Info().
		Str("model", name).
		Str("question", helper.Truncate(req.Question, 40)).
		Bool("agent", req.Agent).
		Str("memory", string(mode)).
		Int("hints", len(req.Hints)).
		Msg("starting turn")

	turns := req.History
	if turns == nil {
		turns = s.history.Load(ctx, mode, key)
	}
	return &turnSetup{
		req:     req,
		model:   model,
		mode:    mode,
		key:     key,
		history: historyMessages(turns),
		prompt:  s.opts.Prompts.RenderUser(req.Question, s.BuildContext(ctx, req.Question, req.Hints)),
	}, nil
}

// BuildContext formats the client's hints when present, otherwise the top
// retrieval results.
func (s *Service) BuildContext(ctx context.Context, question string, hints []models.Chunk) string {
	if err := s.index.RefreshIfNeeded(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("index refresh failed")
	}

	chunks := hints
	if len(chunks) > s.opts.MaxHints {
		chunks = chunks[:s.opts.MaxHints]
	}
	text := formatChunks(chunks)
	if strings.TrimSpace(text) == "" {
		found, err := s.index.Query(ctx, question, s.opts.TopK)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("retrieval failed")
		}
		text = formatChunks(found)
	}
	if strings.TrimSpace(text) == "" {
		return models.NoContext
	}
	return text
}

func formatChunks(chunks []models.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for i, c := range chunks {
		parts = append(parts, fmt.Sprintf(models.ReferenceTemplate, i+1, c.Title(), c.Content))
	}
	return strings.Join(parts, models.ContextSeparator)
}

func historyMessages(turns []models.Turn) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		role := llms.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, t.Text))
	}
	return out
}

func (t *turnSetup) messages(system string) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(t.history)+2)
	if system != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	msgs = append(msgs, t.history...)
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, t.prompt))
}

func (s *Service) plainTurn(ctx context.Context, t *turnSetup, out *stream.Emitter) error {
	answer, err := llmservice.Stream(ctx, t.model, t.messages(s.opts.Prompts.System), s.opts.LLM.AssistantTemperature, out.Emit)
	if err != nil {
		return modelError(ctx, err)
	}
	s.remember(ctx, t, answer)
	return nil
}

func (s *Service) agentTurn(ctx context.Context, t *turnSetup, out *stream.Emitter) error {
	caller := s.policy.Caller(t.req.Actor, t.req.Authorization)
	res, err := s.agent.Run(ctx, agent.Request{
		Question: t.req.Question,
		Caller:   caller,
		Model:    t.model,
		Messages: t.messages(s.opts.Prompts.AgentSystem()),
	}, out)
	if err != nil {
		return modelError(ctx, err)
	}
	zerolog.Ctx(ctx).Info().Interface("result", res).Msg("agent turn finished")
	s.remember(ctx, t, res.Answer)
	return nil
}

func (s *Service) remember(ctx context.Context, t *turnSetup, answer string) {
	if t.req.History != nil {
		return
	}
	s.history.Save(ctx, t.mode, t.key, t.req.Question, thinkRe.ReplaceAllString(answer, ""))
}

func modelError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return err
	}
	return stream.WithKind("APIError", err)
}
