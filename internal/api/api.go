// Package api provides the HTTP API over the anonymization core.
//
// Endpoints:
//
//	GET  /status            - health, uptime, model state, rule count
//	GET  /metrics           - counters and latency snapshot
//	POST /anonymize         - mask a document and open a session {"text":"..."}
//	POST /restore           - restore model output {"sessionId":"...","text":"..."}
//	POST /sync              - learn model-invented placeholders, then restore
//	POST /entities/toggle   - include or exclude one entity {"sessionId","start","active"}
//	POST /sessions/close    - drop a stored session {"sessionId"}
//	GET  /rules             - list learned rules
//	POST /rules/add         - add a rule {"pattern","category","kind"}
//	POST /rules/remove      - remove a rule {"pattern","kind"}
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ghostlayer/internal/anonymizer"
	"ghostlayer/internal/config"
	"ghostlayer/internal/logger"
	"ghostlayer/internal/metrics"
	"ghostlayer/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	pipeline  *anonymizer.Pipeline
	rules     *store.RuleStore
	sessions  store.SessionStore
	token     string // bearer token for auth; empty = no auth
	maxBody   int64
	metrics   *metrics.Metrics
	log       *logger.Logger

	// locks serializes load-modify-save on one session.
	locks sessionLocks
}

// sessionLocks hands out one mutex per session id, dropped when no request
// holds or waits for it.
type sessionLocks struct {
	mu    sync.Mutex
	byKey map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

// lock blocks until id is free and returns its unlock function.
func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	if l.byKey == nil {
		l.byKey = make(map[string]*sessionLock)
	}
	sl, ok := l.byKey[id]
	if !ok {
		sl = &sessionLock{}
		l.byKey[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.Lock()
	return func() {
		sl.Unlock()
		l.mu.Lock()
		if sl.refs--; sl.refs == 0 {
			delete(l.byKey, id)
		}
		l.mu.Unlock()
	}
}

// New creates an API server.
func New(cfg *config.Config, p *anonymizer.Pipeline, rules *store.RuleStore, sessions store.SessionStore, m *metrics.Metrics, log *logger.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		pipeline:  p,
		rules:     rules,
		sessions:  sessions,
		token:     cfg.APIToken,
		maxBody:   cfg.MaxBodyBytes,
		metrics:   m,
		log:       log,
	}
	if s.maxBody <= 0 {
		s.maxBody = 10 << 20
	}
	if s.token != "" {
		log.Info("api_auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/anonymize", s.handleAnonymize)
	mux.HandleFunc("/restore", s.handleRestore)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/entities/toggle", s.handleToggle)
	mux.HandleFunc("/sessions/close", s.handleCloseSession)
	mux.HandleFunc("/rules", s.handleListRules)
	mux.HandleFunc("/rules/add", s.handleAddRule)
	mux.HandleFunc("/rules/remove", s.handleRemoveRule)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("api_auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status     string `json:"status"`
		Uptime     string `json:"uptime"`
		ModelState string `json:"modelState"`
		Rules      int      `json:"rules"`
		Categories []string `json:"categories"`
		NER        struct {
			Enabled  bool   `json:"enabled"`
			Endpoint string `json:"endpoint"`
		} `json:"ner"`
	}

	resp := response{
		Status:     "running",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		ModelState: s.pipeline.ModelState().String(),
		Categories: s.pipeline.Categories(),
	}
	if rules, err := s.rules.List(); err == nil {
		resp.Rules = len(rules)
	} else {
		s.log.Warnf("api_status", "rule count unavailable: %v", err)
	}
	resp.NER.Enabled = s.cfg.NEREnabled
	resp.NER.Endpoint = s.cfg.NEREndpoint

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	anonymizer.Result
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}

	res, err := s.pipeline.Anonymize(r.Context(), req.Text, nil)
	if err != nil {
		s.log.Infof("api_anonymize", "run aborted: %v", err)
		http.Error(w, "anonymization cancelled", http.StatusServiceUnavailable)
		return
	}
	whitelist, err := s.rules.Whitelist()
	if err != nil {
		s.log.Warnf("api_anonymize", "whitelist unavailable: %v", err)
	}
	doc := anonymizer.NewDocument(req.Text, res, whitelist)

	id := uuid.NewString()
	if err := s.sessions.Save(id, doc); err != nil {
		s.log.Errorf("api_session", "save %s: %v", id, err)
		http.Error(w, "could not store session", http.StatusInternalServerError)
		return
	}
	s.log.Infof("api_anonymize", "session %s: %d entities", id, len(doc.Entities))
	s.writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Result: doc.Result()})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	doc, ok := s.loadSession(w, req.SessionID)
	if !ok {
		return
	}

	text, n := doc.RestoreCount(req.Text)
	s.metrics.Restores.Add(1)
	s.metrics.PlaceholdersRestored.Add(int64(n))
	s.writeJSON(w, http.StatusOK, map[string]any{"text": text, "restored": n})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	defer s.locks.lock(req.SessionID)()
	doc, ok := s.loadSession(w, req.SessionID)
	if !ok {
		return
	}

	found := doc.Sync(req.Text)
	if len(found) > 0 {
		if err := s.sessions.Save(req.SessionID, doc); err != nil {
			s.log.Errorf("api_session", "save %s: %v", req.SessionID, err)
			http.Error(w, "could not store session", http.StatusInternalServerError)
			return
		}
		s.metrics.EntitiesSynced.Add(int64(len(found)))
	}
	text, n := doc.RestoreCount(req.Text)
	s.metrics.Restores.Add(1)
	s.metrics.PlaceholdersRestored.Add(int64(n))
	if found == nil {
		found = []anonymizer.Entity{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"newEntities": found, "text": text})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Start     *int   `json:"start"`
		Active    *bool  `json:"active"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.Start == nil || req.Active == nil {
		http.Error(w, `invalid request: need {"sessionId","start","active"}`, http.StatusBadRequest)
		return
	}
	defer s.locks.lock(req.SessionID)()
	doc, ok := s.loadSession(w, req.SessionID)
	if !ok {
		return
	}

	if err := doc.SetActive(*req.Start, *req.Active); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.sessions.Save(req.SessionID, doc); err != nil {
		s.log.Errorf("api_session", "save %s: %v", req.SessionID, err)
		http.Error(w, "could not store session", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{SessionID: req.SessionID, Result: doc.Result()})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		http.Error(w, "invalid sessionId", http.StatusBadRequest)
		return
	}
	defer s.locks.lock(req.SessionID)()
	err := s.sessions.Delete(req.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Errorf("api_session", "delete %s: %v", req.SessionID, err)
		http.Error(w, "could not delete session", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	rules, err := s.rules.List()
	if err != nil {
		s.log.Errorf("api_rules", "list: %v", err)
		http.Error(w, "could not list rules", http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []store.Rule{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.CanUseFeature(anonymizer.FeatureMemory) {
		http.Error(w, "learned rules are not enabled", http.StatusForbidden)
		return
	}
	var req store.Rule
	if !s.decodePost(w, r, &req) {
		return
	}
	req.CreatedAt = time.Time{}
	if anonymizer.IsPlaceholder(strings.TrimSpace(req.Pattern)) {
		http.Error(w, "pattern is a placeholder token", http.StatusBadRequest)
		return
	}
	added, err := s.rules.Add(req)
	switch {
	case errors.Is(err, store.ErrInvalidRule):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Errorf("api_rules", "add: %v", err)
		http.Error(w, "could not add rule", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string     `json:"pattern"`
		Kind    store.Kind `json:"kind"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		http.Error(w, `invalid request: need {"pattern":"..."}`, http.StatusBadRequest)
		return
	}
	err := s.rules.Remove(req.Pattern, req.Kind)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "rule not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Errorf("api_rules", "remove: %v", err)
		http.Error(w, "could not remove rule", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// decodePost enforces POST, bounds the body and decodes it into v. It writes
// the error response and returns false on failure.
func (s *Server) decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid JSON request", http.StatusBadRequest)
		return false
	}
	return true
}

// loadSession validates id and loads its document, writing the error
// response on failure.
func (s *Server) loadSession(w http.ResponseWriter, id string) (*anonymizer.Document, bool) {
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid sessionId", http.StatusBadRequest)
		return nil, false
	}
	doc, err := s.sessions.Load(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	case err != nil:
		s.log.Errorf("api_session", "load %s: %v", id, err)
		http.Error(w, "could not load session", http.StatusInternalServerError)
		return nil, false
	}
	return doc, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("api_encode", "JSON encode error: %v", err)
	}
}

// Addr returns the listen address from the configuration.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
}

// ListenAndServe serves the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("api_listen", "listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
