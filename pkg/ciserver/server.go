// Package ciserver is the HTTP face of the CI: it receives GitHub webhooks,
// serves persisted test artifacts and exposes metrics. It also owns the
// process lifecycle of the long-running parts.
package ciserver

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
	"github.com/ixy-languages/ixy-ci/pkg/artifacts"
	"github.com/ixy-languages/ixy-ci/pkg/github"
	"github.com/ixy-languages/ixy-ci/pkg/worker"
)

const shutdownTimeout = 5 * time.Second

// PullRequestResolver looks up whose fork and branch a pull request wants
// tested. Implemented by the GitHub client; tests inject a fake.
type PullRequestResolver interface {
	PullRequestHead(repo v1.Repository, number int) (*github.PullRequestHead, error)
}

// Server handles the inbound HTTP surface. Jobs extracted from webhooks are
// offered to the worker's queue; everything else it serves is read-only.
type Server struct {
	botName string
	secrets map[string]string
	queue   *worker.JobQueue
	github  PullRequestResolver
	store   *artifacts.Store

	httpServer *http.Server
}

func New(cfg *v1.Config, queue *worker.JobQueue, resolver PullRequestResolver, store *artifacts.Store) *Server {
	s := &Server{
		botName: cfg.GitHub.BotName,
		secrets: cfg.GitHub.WebhookSecrets,
		queue:   queue,
		github:  resolver,
		store:   store,
	}

	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/github", s.handleWebhook)
	r.Get("/logs/{file}", s.handleArtifact)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handleHealthz)

	s.httpServer = &http.Server{
		Addr:    cfg.BindAddress,
		Handler: r,
	}

	return s
}

// Handler exposes the router, mainly so tests can drive the server without
// binding a socket.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) {
	errc := make(chan error, 1)
	go func() {
		log.WithField("address", s.httpServer.Addr).Info("http server listening")
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("http server shutdown failed")
		}
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server exited")
		}
	}
}

// handleArtifact serves one persisted log or capture file. Only plain file
// names are accepted; anything that could climb out of the artifact
// directory is treated as absent.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(s.store.Dir(), name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Info("request handled")
	})
}
