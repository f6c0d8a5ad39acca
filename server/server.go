// Package server exposes the multiplexer over HTTP: a JSON API for
// conversation CRUD, a WebSocket attach endpoint per conversation, cookie
// session auth, file uploads, and static asset serving for the web UI.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"convod/mux"
	"convod/store"
)

const maxUploadBytes = 32 << 20

// Server hosts the HTTP API in front of the supervisor and store.
type Server struct {
	log       *zap.SugaredLogger
	store     *store.Store
	sup       *mux.Supervisor
	staticDir string
	uploadDir string
	auth      *sessionAuth

	httpServer *http.Server
}

// Option configures a Server.
type Option func(s *Server)

// WithStaticDir serves the directory at the HTTP root.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithPassword enables cookie session auth gated on the given password.
func WithPassword(pw string) Option {
	return func(s *Server) { s.auth = newSessionAuth(pw) }
}

// New builds a Server.
func New(st *store.Store, sup *mux.Supervisor, uploadDir string, log *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		log:       log,
		store:     st,
		sup:       sup,
		uploadDir: uploadDir,
		auth:      newSessionAuth(""),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	router := httprouter.New()
	router.POST("/api/login", s.login)
	router.GET("/api/conversations", s.requireAuth(s.listConversations))
	router.POST("/api/conversations", s.requireAuth(s.createConversation))
	router.GET("/api/conversations/:id", s.requireAuth(s.getConversation))
	router.POST("/api/conversations/:id/name", s.requireAuth(s.renameConversation))
	router.DELETE("/api/conversations/:id", s.requireAuth(s.deleteConversation))
	router.GET("/api/conversations/:id/ws", s.requireAuth(s.attachWS))
	router.POST("/api/uploads", s.requireAuth(s.postUpload))
	router.GET("/api/uploads/:id", s.requireAuth(s.getUpload))
	if s.staticDir != "" {
		router.NotFound = http.FileServer(http.Dir(s.staticDir))
	}
	return router
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infow("listening", "Addr", listener.Addr().String())
	server := &http.Server{Handler: s.Router()}
	s.httpServer = server
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// conversationView is the API representation of a conversation, combining
// stored metadata with live process state.
type conversationView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WorkDir     string    `json:"work_dir"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastMessage string    `json:"last_message"`
	Processing  bool      `json:"processing"`
	Running     bool      `json:"running"`
}

func (s *Server) view(c store.Conversation) conversationView {
	running, generating := s.sup.Running(c.ID)
	return conversationView{
		ID:          c.ID,
		Name:        c.Name,
		WorkDir:     c.WorkDir,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		LastMessage: c.LastMessage,
		Processing:  c.Processing || generating,
		Running:     running,
	}
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list, err := s.store.ListConversations()
	if err != nil {
		s.internalError(w, "listing conversations", err)
		return
	}
	views := make([]conversationView, 0, len(list))
	for _, c := range list {
		views = append(views, s.view(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name    string `json:"name"`
		WorkDir string `json:"work_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "New conversation"
	}
	now := time.Now()
	c := store.Conversation{
		ID:        uuid.NewString(),
		Name:      req.Name,
		WorkDir:   req.WorkDir,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(c); err != nil {
		s.internalError(w, "creating conversation", err)
		return
	}
	s.log.Infow("created conversation", "Conversation", c.ID, "Name", c.Name)
	writeJSON(w, http.StatusCreated, s.view(c))
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.store.GetConversation(params.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "loading conversation", err)
		return
	}
	msgs, err := s.store.Messages(c.ID)
	if err != nil {
		s.internalError(w, "loading transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		conversationView
		Messages []store.Message `json:"messages"`
	}{s.view(c), msgs})
}

func (s *Server) renameConversation(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := s.store.GetConversation(params.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "loading conversation", err)
		return
	}
	c.Name = req.Name
	c.UpdatedAt = time.Now()
	if err := s.store.SaveConversation(c); err != nil {
		s.internalError(w, "renaming conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

// deleteConversation also kills any live subprocess and drops the transcript.
func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if _, err := s.store.GetConversation(id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	s.sup.Terminate(id)
	if err := s.store.DeleteConversation(id); err != nil {
		s.internalError(w, "deleting conversation", err)
		return
	}
	s.log.Infow("deleted conversation", "Conversation", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.internalError(w, "creating upload dir", err)
		return
	}
	att := store.Attachment{
		ID:        uuid.NewString(),
		Filename:  filepath.Base(header.Filename),
		MediaType: header.Header.Get("Content-Type"),
	}
	dst, err := os.Create(filepath.Join(s.uploadDir, att.ID))
	if err != nil {
		s.internalError(w, "creating upload file", err)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		s.internalError(w, "writing upload", err)
		return
	}
	s.log.Debugw("stored upload", "ID", att.ID, "Filename", att.Filename, "Type", att.MediaType)
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) getUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid upload id", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.uploadDir, id))
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.log.Errorw(what, "Error", err)
	http.Error(w, what, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
