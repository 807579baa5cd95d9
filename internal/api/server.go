// Package api exposes the conversation, ingestion, and answering surface
// over HTTP, plus a websocket stream of pipeline progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/filingsage/filingsage/internal/blob"
	"github.com/filingsage/filingsage/internal/observability"
	"github.com/filingsage/filingsage/internal/pipeline"
	"github.com/filingsage/filingsage/internal/progress"
	"github.com/filingsage/filingsage/internal/retrieval"
	"github.com/filingsage/filingsage/internal/storage"
)

// userHeader carries the caller's identity. Authentication itself lives in
// front of this service.
const userHeader = "X-User-ID"

// VectorDeleter removes a conversation's embedding rows when the
// conversation itself is deleted.
type VectorDeleter interface {
	DeleteByConversation(ctx context.Context, conversationID uuid.UUID) error
}

// Server holds the handler dependencies.
type Server struct {
	repos    *storage.Repositories
	answerer *retrieval.Answerer
	pool     *pipeline.Pool
	blobs    *blob.Store
	vectors  VectorDeleter
	ws       *progress.WSHandler
	logger   *observability.Logger
}

// NewServer creates the API server.
func NewServer(repos *storage.Repositories, answerer *retrieval.Answerer, pool *pipeline.Pool,
	blobs *blob.Store, vectors VectorDeleter, ws *progress.WSHandler, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Server{
		repos:    repos,
		answerer: answerer,
		pool:     pool,
		blobs:    blobs,
		vectors:  vectors,
		ws:       ws,
		logger:   logger,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", s.handleCreateConversation)
		r.Get("/", s.handleListConversations)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Delete("/", s.handleDeleteConversation)
			r.Post("/messages", s.handleAddMessage)
			r.Post("/ingest", s.handleIngest)
			r.Get("/status", s.handleIngestionStatus)
		})
	})

	r.Get("/ws/conversations/{conversationID}", s.handleSubscribe)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createConversationRequest struct {
	Title     string   `json:"title"`
	Companies []string `json:"companies"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	conv := &storage.Conversation{
		ID:     uuid.New(),
		UserID: userID,
		Title:  req.Title,
	}
	for _, name := range req.Companies {
		if name == "" {
			writeError(w, http.StatusBadRequest, "company name must not be empty")
			return
		}
		conv.Companies = append(conv.Companies, storage.Company{ID: uuid.New(), Name: name})
	}
	if err := s.repos.Conversations.Create(r.Context(), conv); err != nil {
		s.internalError(w, err, "create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	convs, err := s.repos.Conversations.ListByUser(r.Context(), userID)
	if err != nil {
		s.internalError(w, err, "list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	conv, err := s.repos.Conversations.GetByID(r.Context(), userID, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "get conversation")
		return
	}
	messages, err := s.repos.Messages.ListByConversation(r.Context(), id)
	if err != nil {
		s.internalError(w, err, "list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	err := s.repos.Conversations.Delete(r.Context(), userID, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "delete conversation")
		return
	}
	if err := s.vectors.DeleteByConversation(r.Context(), id); err != nil {
		// The conversation row is already gone; orphaned vectors are
		// unreachable through search scoping, so log and move on.
		s.logger.Error().Err(err).Str("conversation_id", id.String()).Msg("delete conversation vectors")
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMessageRequest struct {
	Content               string   `json:"content"`
	ReferencedDocumentIDs []string `json:"referencedDocumentIds"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req addMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if _, err := s.repos.Conversations.GetByID(r.Context(), userID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.internalError(w, err, "get conversation")
		return
	}

	userMsg := &storage.Message{
		ID:             uuid.New(),
		ConversationID: id,
		Role:           storage.RoleUser,
		Content:        req.Content,
		CreatedAt:      time.Now(),
	}
	if err := s.repos.Messages.Create(r.Context(), userMsg); err != nil {
		s.internalError(w, err, "persist user message")
		return
	}

	assistant, err := s.answerer.Answer(r.Context(), retrieval.AnswerRequest{
		ConversationID:        id,
		UserID:                userID,
		UserContent:           req.Content,
		ReferencedDocumentIDs: req.ReferencedDocumentIDs,
	})
	if err != nil {
		// The user message stays persisted so the client can retry.
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":       "query failed",
			"userMessage": userMsg,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"userMessage":      userMsg,
		"assistantMessage": assistant,
	})
}

type ingestRequest struct {
	CompanyIdentifier string   `json:"companyIdentifier"`
	FilingTypes       []string `json:"filingTypes"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.repos.Conversations.GetByID(r.Context(), userID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.internalError(w, err, "get conversation")
		return
	}

	state, err := s.pool.Enqueue(pipeline.Request{
		ConversationID:    id,
		UserID:            userID,
		CompanyIdentifier: req.CompanyIdentifier,
		FilingTypes:       req.FilingTypes,
	})
	if errors.Is(err, storage.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, err, "enqueue ingestion")
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleIngestionStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var state pipeline.BatchProcessingState
	err := s.blobs.ReadStatus(id, &state)
	if errors.Is(err, blob.ErrStateMissing) {
		writeError(w, http.StatusNotFound, "no ingestion state for conversation")
		return
	}
	if err != nil {
		s.internalError(w, err, "read ingestion state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	s.ws.Serve(w, r, id)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return "", false
	}
	return userID, true
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
