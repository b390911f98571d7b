// Package fakeremote simulates the subset of the Windmill job API the proxy
// talks to. Jobs complete after a configurable number of completed-endpoint
// reads, which makes polling behaviour reproducible in tests and in local
// development without a real Windmill instance.
package fakeremote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tjarratt/babble"
)

// OutcomeFunc decides the result of a job when it completes.
type OutcomeFunc func(path string, args map[string]any) (result any, success bool)

type Options struct {
	Workspace string
	// Token, when set, is required as a bearer token on every job call.
	Token string
	// CompleteAfter is the number of completed-endpoint reads before a job finishes.
	CompleteAfter int
	// FailRate is the probability in [0,1] that a job fails when Outcome is nil.
	FailRate float32
	Outcome  OutcomeFunc
}

type job struct {
	id        string
	kind      string
	path      string
	args      map[string]any
	createdAt time.Time
	reads     int
	done      bool
	success   bool
	result    any
}

type Server struct {
	opts Options

	mu          sync.Mutex
	jobs        map[string]*job
	submissions int

	wordsOnce sync.Once
	babble    func() string
}

func New(opts Options) *Server {
	if opts.Workspace == "" {
		opts.Workspace = "blueprint"
	}
	if opts.CompleteAfter <= 0 {
		opts.CompleteAfter = 1
	}
	return &Server{
		opts: opts,
		jobs: make(map[string]*job),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, "fake-remote")
	})
	r.Route("/api/w/{workspace}/jobs", func(r chi.Router) {
		r.Use(s.checkWorkspace, s.checkToken)
		r.Post("/run/{kind}/*", s.handleRun)
		r.Get("/completed/get/{id}", s.handleCompleted)
		r.Get("/get/{id}", s.handleGet)
	})
	return r
}

// Submissions reports how many jobs have been accepted.
func (s *Server) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

// Reads reports how many completed-endpoint reads a job has received.
func (s *Server) Reads(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.reads
	}
	return 0
}

func (s *Server) checkWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "workspace") != s.opts.Workspace {
			http.Error(w, "workspace not found", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if kind != "f" && kind != "p" {
		http.Error(w, "unknown job kind", http.StatusNotFound)
		return
	}
	path := chi.URLParam(r, "*")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, fmt.Sprintf("invalid args: %v", err), http.StatusBadRequest)
		return
	}

	id, err := uuid.NewRandom()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.jobs[id.String()] = &job{
		id:        id.String(),
		kind:      kind,
		path:      path,
		args:      args,
		createdAt: time.Now(),
	}
	s.submissions++
	s.mu.Unlock()

	slog.Info("Fake remote accepted job", "jobID", id.String(), "path", path)
	writeJSON(w, http.StatusCreated, id.String())
}

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	// words are drawn before taking the lock; loading the dictionary may be slow
	var words string
	if s.opts.Outcome == nil {
		words = s.words()
	}

	doc := s.completedDocument(chi.URLParam(r, "id"), words)
	if doc == nil {
		http.Error(w, "job not found in completed jobs", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// completedDocument counts a read against the job and returns its document
// once it is done, nil otherwise.
func (s *Server) completedDocument(id, words string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.reads++
	if !j.done && j.reads >= s.opts.CompleteAfter {
		s.finish(j, words)
	}
	if !j.done {
		return nil
	}
	return s.document(j)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc := s.jobDocument(chi.URLParam(r, "id"))
	if doc == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) jobDocument(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return s.document(j)
	}
	return nil
}

// finish settles the job outcome. Callers hold s.mu.
func (s *Server) finish(j *job, words string) {
	j.done = true
	if s.opts.Outcome != nil {
		j.result, j.success = s.opts.Outcome(j.path, j.args)
		return
	}
	if rand.Float32() < s.opts.FailRate {
		j.result = map[string]any{"error": words}
		return
	}
	j.success = true
	j.result = map[string]any{"path": j.path, "message": words}
}

func (s *Server) words() string {
	s.wordsOnce.Do(func() {
		s.babble = loadBabbler()
	})
	return s.babble()
}

// loadBabbler falls back to random ids when no system word list is installed;
// babble panics instead of returning an error in that case.
func loadBabbler() (gen func() string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("No word list available, generating ids for payloads", "error", r)
			gen = uuid.NewString
		}
	}()
	b := babble.NewBabbler()
	b.Count = 2
	gen = b.Babble
	// a present but empty word list only fails on first use
	_ = gen()
	return gen
}

func (s *Server) document(j *job) map[string]any {
	doc := map[string]any{
		"id":           j.id,
		"workspace_id": s.opts.Workspace,
		"created_at":   j.createdAt.Format(time.RFC3339),
		"job_kind":     map[string]string{"f": "flow", "p": "script"}[j.kind],
		"script_path":  j.path,
	}
	switch {
	case j.done:
		doc["type"] = "CompletedJob"
		doc["success"] = j.success
		doc["result"] = j.result
		doc["duration_ms"] = time.Since(j.createdAt).Milliseconds()
	case j.reads > 0:
		doc["type"] = "RunningJob"
	default:
		doc["type"] = "QueuedJob"
	}
	return doc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
