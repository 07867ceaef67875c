// Package server exposes the assistant over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"club-assistant/internal/models"
	"club-assistant/internal/rag"
	"club-assistant/internal/stream"
)

// Assistant answers questions, streamed or whole.
type Assistant interface {
	StreamTurn(ctx context.Context, req rag.Request) <-chan stream.Event
	Answer(ctx context.Context, req rag.Request) (string, error)
}

// Index is the part of the retrieval index the routes expose.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]models.Chunk, error)
	RefreshIfNeeded(ctx context.Context) error
	Refresh(ctx context.Context) error
	Status() models.IndexStatus
	Documents(ctx context.Context) []models.Document
}

type Server struct {
	svc   Assistant
	index Index
	addr  string
}

func New(svc Assistant, index Index, addr string) *Server {
	return &Server{svc: svc, index: index, addr: addr}
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rag/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/rag/mcp/stream", s.handleAgentStream)
	mux.HandleFunc("POST /api/rag/chat", s.handleChat)
	mux.HandleFunc("POST /api/rag/query", s.handleQuery)
	mux.HandleFunc("POST /api/rag/initialize", s.handleInitialize)
	mux.HandleFunc("POST /api/rag/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/rag/status", s.handleStatus)
	mux.HandleFunc("GET /api/rag/documents", s.handleDocuments)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return corsMiddleware(loggingMiddleware(mux))
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	log.Info().Str("addr", s.addr).Msg("club assistant server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
	}()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type hint struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

type streamRequest struct {
	SessionID       string `json:"sessionId"`
	CN              string `json:"cn"`
	MemoryMode      string `json:"memoryMode"`
	Message         string `json:"message"`
	OriginalMessage string `json:"originalMessage"`
	Model           string `json:"model"`
	RelevantChunks  []hint `json:"relevantChunks"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, false)
}

func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, true)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, agentMode bool) {
	var body streamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message cannot be empty")
		return
	}

	question := body.OriginalMessage
	if strings.TrimSpace(question) == "" {
		question = body.Message
	}
	req := rag.Request{
		Question:   question,
		Hints:      hintChunks(body.RelevantChunks),
		Model:      body.Model,
		Actor:      body.CN,
		SessionID:  body.SessionID,
		MemoryMode: body.MemoryMode,
		Agent:      agentMode,
	}
	if agentMode {
		req.Authorization = r.Header.Get("Authorization")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	events := s.svc.StreamTurn(ctx, req)
	for ev := range events {
		if err := stream.Encode(w, ev); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("client went away")
			cancel()
			break
		}
		_ = rc.Flush()
	}
	for range events {
	}
}

func hintChunks(hints []hint) []models.Chunk {
	if len(hints) == 0 {
		return nil
	}
	chunks := make([]models.Chunk, 0, len(hints))
	for i, h := range hints {
		title := h.Title
		if title == "" {
			title = h.Source
		}
		if title == "" {
			title = fmt.Sprintf("chunk-%d", i+1)
		}
		chunks = append(chunks, models.Chunk{SourceFilename: title, Content: h.Content, ChunkID: i + 1})
	}
	return chunks
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type relevantChunk struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	ChunkID    int     `json:"chunk_id"`
	Source     string  `json:"source"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "Query cannot be empty")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	chunks, err := s.index.Query(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]relevantChunk, 0, len(chunks))
	contents := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, relevantChunk{
			Title:      c.Title(),
			Content:    c.Content,
			Similarity: c.Score,
			ChunkID:    c.ChunkID,
			Source:     c.SourceFilename,
		})
		contents = append(contents, c.Content)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":           req.Query,
		"relevant_chunks": out,
		"enhanced_query":  fmt.Sprintf("Context:\n%s\n\nQuestion: %s", strings.Join(contents, "\n"), req.Query),
		"processing_time": time.Since(start).Seconds(),
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Query   string        `json:"query"`
	Model   string        `json:"model"`
	History []chatMessage `json:"history"`
}

// handleChat answers without streaming. The conversation is held by the
// client, so server-side memory is not involved.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "Query cannot be empty")
		return
	}

	history := make([]models.Turn, 0, len(req.History))
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := models.RoleUser
		if m.Role == "assistant" || m.Role == "ai" {
			role = models.RoleAssistant
		}
		history = append(history, models.Turn{Role: role, Text: m.Content})
	}

	reply, err := s.svc.Answer(r.Context(), rag.Request{Question: req.Query, Model: req.Model, History: history})
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("chat failed")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %s", stream.ErrorKind(err), err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":           req.Query,
		"relevant_chunks": []relevantChunk{},
		"enhanced_query":  reply,
		"reply":           reply,
		"processing_time": time.Since(start).Seconds(),
	})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.index.RefreshIfNeeded(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("index initialization failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "RAG index ready", "status": s.index.Status()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Refresh(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("index refresh failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "RAG index rebuilt", "status": s.index.Status()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": s.index.Status()})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := positiveInt(q.Get("page"), 1)
	limit := min(positiveInt(q.Get("limit"), 10), 100)
	category := strings.TrimSpace(q.Get("category"))

	docs := s.index.Documents(r.Context())
	if category != "" {
		filtered := docs[:0:0]
		for _, d := range docs {
			if strings.EqualFold(d.Category, category) {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}

	total := len(docs)
	from := min((page-1)*limit, total)
	to := min(from+limit, total)
	paged := docs[from:to]
	if paged == nil {
		paged = []models.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": paged, "total": total, "page": page, "limit": limit})
}

func positiveInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
