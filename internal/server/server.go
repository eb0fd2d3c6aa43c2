// Package server exposes gallery feeds over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pders01/fss/internal/debuglog"
	"github.com/pders01/fss/internal/feed"
	"github.com/pders01/fss/internal/upstream"
	"github.com/pders01/fss/internal/validation"
)

const (
	defaultHomeURL    = "https://github.com/pders01/fss"
	defaultFaviconURL = "https://www.furaffinity.net/favicon.ico"
)

// Builder produces the feed document for a query.
type Builder interface {
	Build(ctx context.Context, q feed.Query) (*feed.Document, error)
}

// Stats reports cache occupancy for the health endpoint.
type Stats interface {
	Len() int
	Pending() int
}

type Options struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	HomeURL         string
	FaviconURL      string
}

// Server is the HTTP front end.
type Server struct {
	builder Builder
	stats   Stats
	opts    Options
	router  chi.Router
}

// New creates a server. stats may be nil.
func New(builder Builder, stats Stats, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.HomeURL == "" {
		opts.HomeURL = defaultHomeURL
	}
	if opts.FaviconURL == "" {
		opts.FaviconURL = defaultFaviconURL
	}

	s := &Server{
		builder: builder,
		stats:   stats,
		opts:    opts,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  debuglog.Logger(),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/", s.redirect(s.opts.HomeURL))
	r.Get("/favicon.ico", s.redirect(s.opts.FaviconURL))
	r.Get("/healthz", s.handleHealth)

	r.Route("/gallery/{username}", func(r chi.Router) {
		r.Get("/", s.handleGallery(feed.FormatAtom))
		r.Get("/rss", s.handleGallery(feed.FormatRSS))
		r.Get("/rss/{page:[0-9]+}", s.handleGallery(feed.FormatRSS))
		r.Get("/{page:[0-9]+}", s.handleGallery(feed.FormatAtom))
	})

	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		debuglog.Infof("listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	debuglog.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (s *Server) redirect(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status  string `json:"status"`
		Cached  int    `json:"cached"`
		Pending int    `json:"pending"`
	}{Status: "ok"}
	if s.stats != nil {
		resp.Cached = s.stats.Len()
		resp.Pending = s.stats.Pending()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGallery(format feed.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := validation.ValidateUsername(chi.URLParam(r, "username"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		page, err := validation.ParsePage(chi.URLParam(r, "page"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()

		doc, err := s.builder.Build(ctx, feed.Query{
			Username: username,
			Page:     page,
			SFW:      parseFlag(r.URL.Query().Get("sfw")),
			Format:   format,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var buf bytes.Buffer
		if err := feed.Encode(&buf, doc, format); err != nil {
			debuglog.Errorf("encoding %s feed for %s: %v", format, username, err)
			http.Error(w, "failed to encode feed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", format.ContentType())
		_, _ = w.Write(buf.Bytes())
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	log := debuglog.WithFields(map[string]interface{}{
		"path":       r.URL.Path,
		"status":     status,
		"request_id": middleware.GetReqID(r.Context()),
	})

	switch status {
	case http.StatusNotFound:
		log.Infof("%v", err)
		http.Error(w, err.Error(), status)
		return
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		log.Warnf("upstream failure: %v", err)
		var fe *upstream.FetchError
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			secs := int64(math.Ceil(fe.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	default:
		log.Errorf("building feed: %v", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// StatusFor maps a build error to the response status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, upstream.ErrUserNotFound):
		return http.StatusNotFound
	case upstream.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
