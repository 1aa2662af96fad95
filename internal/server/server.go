// Package server provides the HTTP API for the content pipeline.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/scraper"
	"github.com/mangalytics/mangalytics/internal/server/ratelimit"
	"github.com/mangalytics/mangalytics/internal/types"
)

// Runner executes a full pipeline run.
type Runner interface {
	Run(ctx context.Context, req types.SubscriptionRequest) (*pipeline.Summary, error)
}

// Previewer reports what an acquisition would act on without storing.
type Previewer interface {
	SearchPreview(ctx context.Context, params types.SearchParams) (*scraper.Preview, error)
}

// Stages exposes the three stage clients for the standalone endpoints.
type Stages struct {
	Acquirer  pipeline.Acquirer
	Extractor pipeline.Extractor
	Generator pipeline.Generator
	Previewer Previewer
}

// Config holds server configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// MaxDocuments bounds the standalone extraction and generation
	// endpoints the same way the orchestrator bounds its stages.
	MaxDocuments int
	// RunsPerMinute rate limits the endpoints that hit paid upstreams.
	RunsPerMinute int
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	runner     Runner
	stages     Stages
	limiter    *ratelimit.Limiter
	cfg        Config
}

// New creates a server around the orchestrator and stage clients.
func New(cfg Config, runner Runner, stages Stages) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 1
	}
	if cfg.RunsPerMinute <= 0 {
		cfg.RunsPerMinute = 10
	}

	s := &Server{
		runner:  runner,
		stages:  stages,
		limiter: ratelimit.NewLimiter(cfg.RunsPerMinute, time.Minute),
		cfg:     cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /scraper/search-preview", s.handleSearchPreview)
	mux.HandleFunc("POST /scraper/scrape-and-upload", s.handleScrapeAndUpload)
	mux.HandleFunc("POST /recommendations", s.handleRecommendations)
	mux.HandleFunc("POST /manga", s.handleManga)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.withLogging(s.withCORS(s.withRateLimit(mux))),
		ReadTimeout:  30 * time.Second,
		// A synchronous pipeline run can hold the connection for minutes.
		WriteTimeout: 600 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the configured handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Close releases the limiter's background goroutine. Start calls it on
// shutdown; callers using Handler directly must call it themselves.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Start listens for requests until an interrupt arrives, then shuts down
// gracefully.
func (s *Server) Start() error {
	defer s.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errs := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the mutating endpoints reach paid upstreams.
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		allowed, info := s.limiter.Allow(clientID(r))
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		if !allowed {
			if info.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(info.RetryAfter.Seconds()+1)))
			}
			s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// resolveKey derives the partition key for a stage request, using today
// when no explicit date was supplied.
func resolveKey(email, topic, date string) (partition.Key, error) {
	if date != "" {
		return partition.At(email, topic, date)
	}
	return partition.Derive(email, topic, time.Now())
}
