package rag

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/goleak"

	"club-assistant/internal/agent"
	"club-assistant/internal/config"
	"club-assistant/internal/directory"
	"club-assistant/internal/llmservice"
	"club-assistant/internal/memory"
	"club-assistant/internal/models"
	"club-assistant/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubIndex struct {
	chunks  []models.Chunk
	queries []string
}

func (x *stubIndex) RefreshIfNeeded(context.Context) error { return nil }

func (x *stubIndex) Query(_ context.Context, text string, k int) ([]models.Chunk, error) {
	x.queries = append(x.queries, text)
	if len(x.chunks) > k {
		return x.chunks[:k], nil
	}
	return x.chunks, nil
}

type scriptedModel struct {
	mu    sync.Mutex
	reply []string
	err   error
	calls [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	m.mu.Unlock()

	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	if m.err != nil {
		return nil, m.err
	}
	if opts.StreamingFunc == nil {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "无需工具"}}}, nil
	}
	for _, r := range m.reply {
		if err := opts.StreamingFunc(ctx, []byte(r)); err != nil {
			return nil, err
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: strings.Join(m.reply, "")}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) last() []llms.MessageContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type fixedFactory struct {
	model llms.Model
	names []string
}

func (f *fixedFactory) Model(name string) (llms.Model, error) {
	f.names = append(f.names, name)
	return f.model, nil
}

type memberDirectory struct {
	calls []string
}

func (d *memberDirectory) Register(_ context.Context, _ string, reg directory.Registration) directory.Result {
	d.calls = append(d.calls, "register:"+reg.CN)
	return directory.Result{OK: true, StatusCode: http.StatusCreated, CN: reg.CN}
}

func (d *memberDirectory) Get(_ context.Context, _ string, cn string) directory.Result {
	d.calls = append(d.calls, "get:"+cn)
	return directory.Result{OK: true, StatusCode: http.StatusOK, CN: cn}
}

func (d *memberDirectory) Update(_ context.Context, _ string, cn string, _ directory.Profile) directory.Result {
	d.calls = append(d.calls, "update:"+cn)
	return directory.Result{OK: true, StatusCode: http.StatusOK, CN: cn}
}

func (d *memberDirectory) Delete(_ context.Context, _ string, cn string) directory.Result {
	d.calls = append(d.calls, "delete:"+cn)
	return directory.Result{OK: true, StatusCode: http.StatusNoContent, CN: cn}
}

type fixture struct {
	svc     *Service
	model   *scriptedModel
	factory *fixedFactory
	index   *stubIndex
	dir     *memberDirectory
	store   *memory.MemoryStore
}

func newFixture(t *testing.T, reply ...string) *fixture {
	t.Helper()
	f := &fixture{
		model: &scriptedModel{reply: reply},
		index: &stubIndex{},
		dir:   &memberDirectory{},
		store: memory.NewMemoryStore(0),
	}
	f.factory = &fixedFactory{model: f.model}
	f.svc = NewService(
		f.index,
		f.factory,
		agent.New(f.dir, agent.Options{}),
		agent.NewPolicy([]string{"香煎包"}),
		memory.NewHistory(f.store, memory.Options{}),
		Options{
			LLM:     config.LLMConfig{Model: "deepseek-chat", Aliases: map[string]string{"deepseek-v3": "deepseek-chat"}},
			Prompts: Prompts{System: "你是社团助手", Agent: "你可以调用成员工具", User: defaultUserTemplate},
		},
	)
	return f
}

func collect(ch <-chan stream.Event) []stream.Event {
	var out []stream.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func texts(msgs []llms.MessageContent) []string {
	var out []string
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				out = append(out, tc.Text)
			}
		}
	}
	return out
}

func TestPlainTurnUsesHints(t *testing.T) {
	f := newFixture(t, "社团", "成立于2015年")

	events := collect(f.svc.StreamTurn(context.Background(), Request{
		Question: " 社团什么时候成立？ ",
		Hints:    []models.Chunk{{SourceFilename: "history.md", Content: "社团成立于 2015 年。"}},
		Model:    "DeepSeek-V3",
	}))

	assert.Equal(t, []stream.Event{stream.Begin(), stream.Item("社团"), stream.Item("成立于2015年"), stream.End()}, events)
	assert.Equal(t, []string{"deepseek-chat"}, f.factory.names)
	assert.Empty(t, f.index.queries, "hints replace retrieval")

	msgs := f.model.last()
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Equal(t, []string{"你是社团助手", "社团什么时候成立？\n\n【参考资料1 - history.md】\n社团成立于 2015 年。"}, texts(msgs))
}

func TestPlainTurnRetrievesWithoutHints(t *testing.T) {
	f := newFixture(t, "ok")
	f.index.chunks = []models.Chunk{
		{SourceFilename: "a.md", Section: "入社", Content: "A"},
		{SourceFilename: "b.md", Content: "B"},
	}

	collect(f.svc.StreamTurn(context.Background(), Request{Question: "怎么入社"}))

	assert.Equal(t, []string{"怎么入社"}, f.index.queries)
	got := texts(f.model.last())
	assert.Equal(t, "怎么入社\n\n【参考资料1 - a.md / 入社】\nA\n\n【参考资料2 - b.md】\nB", got[len(got)-1])
}

func TestPlainTurnEmptyCorpus(t *testing.T) {
	f := newFixture(t, "没有找到相关信息")

	events := collect(f.svc.StreamTurn(context.Background(), Request{Question: "社团有几台电脑"}))

	assert.Equal(t, stream.Item("没有找到相关信息"), events[1])
	got := texts(f.model.last())
	assert.Contains(t, got[len(got)-1], models.NoContext)
}

func TestHintsAreCapped(t *testing.T) {
	f := newFixture(t, "ok")
	hints := make([]models.Chunk, 8)
	for i := range hints {
		hints[i] = models.Chunk{SourceFilename: "h.md", Content: "x"}
	}

	collect(f.svc.StreamTurn(context.Background(), Request{Question: "q", Hints: hints}))

	got := texts(f.model.last())
	prompt := got[len(got)-1]
	assert.Contains(t, prompt, "【参考资料6 - h.md】")
	assert.NotContains(t, prompt, "【参考资料7")
}

func TestModelFailureEndsWithDiagnostic(t *testing.T) {
	f := newFixture(t)
	f.model.err = errors.New("invalid model id")

	events := collect(f.svc.StreamTurn(context.Background(), Request{Question: "你好"}))

	assert.Equal(t, []stream.Event{
		stream.Begin(),
		stream.Item("\n\n[AI 服务错误] APIError: invalid model id"),
		stream.End(),
	}, events)
	turns, _ := f.store.Messages(context.Background(), "anon:default")
	assert.Empty(t, turns, "failed turns are not remembered")
}

func TestEmptyQuestionInAgentMode(t *testing.T) {
	f := newFixture(t)

	events := collect(f.svc.StreamTurn(context.Background(), Request{Question: "  ", Agent: true}))

	assert.Equal(t, []stream.Event{
		stream.Begin(),
		stream.Item("\n\n[MCP 代理错误] ValueError: question cannot be empty"),
		stream.End(),
	}, events)
	assert.Empty(t, f.factory.names)
}

func TestMissingAPIKey(t *testing.T) {
	svc := NewService(&stubIndex{}, llmservice.NewFactory(config.LLMConfig{}), nil, agent.NewPolicy(nil), nil, Options{})

	events := collect(svc.StreamTurn(context.Background(), Request{Question: "你好"}))

	require.Len(t, events, 3)
	assert.True(t, strings.HasPrefix(events[1].Content, "\n\n[AI 服务错误] AuthenticationError: "))
}

func TestAgentTurnRunsDirectoryTools(t *testing.T) {
	f := newFixture(t, "柠白夜已在社团中")

	events := collect(f.svc.StreamTurn(context.Background(), Request{
		Question:      "查询柠白夜是否存在",
		Actor:         "小明",
		Authorization: "Bearer t",
		Agent:         true,
	}))

	assert.Equal(t, []stream.Event{
		stream.Begin(),
		stream.Item("正在查询成员信息...\n"),
		stream.Item("柠白夜已在社团中"),
		stream.End(),
	}, events)
	assert.Equal(t, []string{"get:柠白夜"}, f.dir.calls)

	got := texts(f.model.last())
	assert.Contains(t, got, "你是社团助手\n\n你可以调用成员工具")
}

func TestMemoryAcrossTurns(t *testing.T) {
	f := newFixture(t, "<think>先想想</think>", "我叫助手")
	ctx := context.Background()
	req := Request{Question: "你叫什么", Actor: "柠白夜", MemoryMode: "longterm"}

	collect(f.svc.StreamTurn(ctx, req))

	turns, err := f.store.Messages(ctx, "柠白夜")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "你叫什么", turns[0].Text)
	assert.Equal(t, "我叫助手", turns[1].Text)

	req.Question = "再说一遍"
	collect(f.svc.StreamTurn(ctx, req))

	msgs := f.model.last()
	require.Len(t, msgs, 4)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[2].Role)
	assert.Equal(t, "再说一遍\n\n"+models.NoContext, texts(msgs)[3])
}

func TestAnswerUsesClientHistory(t *testing.T) {
	f := newFixture(t, "我们", "周六活动")
	ctx := context.Background()

	answer, err := f.svc.Answer(ctx, Request{
		Question: "什么时候活动",
		History: []models.Turn{
			{Role: models.RoleUser, Text: "你好"},
			{Role: models.RoleAssistant, Text: "你好，有什么可以帮你"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "我们周六活动", answer)

	msgs := f.model.last()
	require.Len(t, msgs, 4)
	assert.Equal(t, "你好", texts(msgs)[1])
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[2].Role)

	turns, err := f.store.Messages(ctx, "anon:default")
	require.NoError(t, err)
	assert.Empty(t, turns, "client-held history is not stored")
}

func TestAnswerReturnsModelError(t *testing.T) {
	f := newFixture(t)
	f.model.err = errors.New("rate limited")

	_, err := f.svc.Answer(context.Background(), Request{Question: "你好"})
	require.Error(t, err)
	assert.Equal(t, "APIError", stream.ErrorKind(err))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestStreamStopsWhenClientLeaves(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())

	ch := f.svc.StreamTurn(ctx, Request{Question: "q"})
	assert.Equal(t, stream.Begin(), <-ch)
	cancel()
	for range ch {
	}
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.md"), []byte("\n系统\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mcp.md"), []byte("代理"), 0o644))

	p, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Equal(t, "系统", p.System)
	assert.Equal(t, defaultUserTemplate, p.User)
	assert.Equal(t, "系统\n\n代理", p.AgentSystem())
	assert.Equal(t, "问\n\n{ctx} 资料", Prompts{User: "{question}\n\n{ctx} {context}"}.RenderUser("问", "资料"))

	empty, err := LoadPrompts(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, "", empty.AgentSystem())
}
