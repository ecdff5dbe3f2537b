package zimi

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by /health and /manage/status.
const Version = "1.0.0"

// maxPostBody caps request bodies on the JSON POST endpoints.
const maxPostBody = 64 << 10

// passwordHeader carries the management password on authenticated requests.
const passwordHeader = "X-Zimi-Password"

// Server assembles the HTTP surface over the engine components.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	verbose bool

	reg      *Registry
	store    *IndexStore
	engine   *SearchEngine
	reader   *Reader
	resolver *Resolver
	dl       *DownloadManager
	catalog  *Catalog
	updater  *AutoUpdater
	state    *State
	auth     *Authenticator

	results *SearchCache
	suggest *SuggestCache

	promReg *prometheus.Registry

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// ServerDeps carries the wired components into NewServer.
type ServerDeps struct {
	Registry  *Registry
	Store     *IndexStore
	Engine    *SearchEngine
	Reader    *Reader
	Resolver  *Resolver
	Downloads *DownloadManager
	Catalog   *Catalog
	Updater   *AutoUpdater
	State     *State
	Auth      *Authenticator
	Results   *SearchCache
	Suggest   *SuggestCache
	PromReg   *prometheus.Registry
}

// NewServer constructs the server. promReg may be nil when /metrics is not
// wanted (tests).
func NewServer(cfg Config, deps ServerDeps, logger *slog.Logger, metrics *Metrics) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		reg:      deps.Registry,
		store:    deps.Store,
		engine:   deps.Engine,
		reader:   deps.Reader,
		resolver: deps.Resolver,
		dl:       deps.Downloads,
		catalog:  deps.Catalog,
		updater:  deps.Updater,
		state:    deps.State,
		auth:     deps.Auth,
		results:  deps.Results,
		suggest:  deps.Suggest,
		promReg:  deps.PromReg,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetVerbose enables per-request logging of successful responses. Errors are
// always logged.
func (s *Server) SetVerbose(v bool) {
	s.verbose = v
}

// Router builds the full route tree. The read endpoints sit behind the
// per-IP rate limit; /health, /metrics and /manage do not.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimit,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(s.handleRateLimited),
			))
		}
		r.Get("/search", s.handleSearch)
		r.Get("/suggest", s.handleSuggest)
		r.Get("/read", s.handleRead)
		r.Get("/snippet", s.handleSnippet)
		r.Get("/random", s.handleRandom)
		r.Get("/list", s.handleList)
		r.Get("/catalog", s.handlePDFCatalog)
		r.Get("/resolve", s.handleResolveGet)
		r.Post("/resolve", s.handleResolvePost)
		r.Get("/collections", s.handleCollectionsGet)
		r.Get("/icon/{zim}", s.handleIcon)
		r.Get("/w/{zim}/*", s.handleServe)
		r.Head("/w/{zim}/*", s.handleServe)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/collections", s.handleCollectionsSet)
		r.Delete("/collections", s.handleCollectionsDelete)
	})

	r.Get("/health", s.handleHealth)
	if s.promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	if s.cfg.ManageEnabled {
		r.Route("/manage", func(r chi.Router) {
			r.Get("/has-password", s.handleHasPassword)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/status", s.handleManageStatus)
				r.Get("/stats", s.handleManageStats)
				r.Get("/catalog", s.handleManageCatalog)
				r.Get("/check-updates", s.handleCheckUpdates)
				r.Get("/downloads", s.handleDownloads)
				r.Get("/history", s.handleHistory)
				r.Post("/download", s.handleDownload)
				r.Post("/update", s.handleUpdate)
				r.Post("/delete", s.handleDelete)
				r.Post("/cancel", s.handleCancel)
				r.Post("/refresh", s.handleRefresh)
				r.Post("/build-fts", s.handleBuildFTS)
				r.Get("/auto-update", s.handleAutoUpdateGet)
				r.Post("/auto-update", s.handleAutoUpdateSet)
			})
		})
	}
	return r
}

// responseWriter wraps http.ResponseWriter to capture the response status and
// size for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// instrument records per-route metrics and logs requests. Successful responses
// are logged only in verbose mode.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &responseWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := routeLabel(chi.RouteContext(r.Context()).RoutePattern())
		s.metrics.ObserveRequest(route, elapsed)
		s.logRequest(r, ww.status, ww.bytes, elapsed)
	})
}

// routeLabel reduces a chi route pattern to a low-cardinality metric label.
func routeLabel(pattern string) string {
	switch {
	case pattern == "" || pattern == "/":
		return "unknown"
	case strings.HasPrefix(pattern, "/w/"):
		return "serve"
	case strings.HasPrefix(pattern, "/manage"):
		return "manage"
	default:
		return strings.Trim(strings.SplitN(pattern, "/{", 2)[0], "/")
	}
}

func (s *Server) logRequest(r *http.Request, status int, bytes int64, elapsed time.Duration) {
	if status < 400 && !s.verbose {
		return
	}
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"bytes", bytes,
		"elapsed_ms", elapsed.Milliseconds(),
		"remote", r.RemoteAddr,
	}
	if status >= 500 {
		s.logger.Error("request", attrs...)
	} else if status >= 400 {
		s.logger.Warn("request", attrs...)
	} else {
		s.logger.Info("request", attrs...)
	}
}

// requireAuth rejects requests whose password does not verify. Passwordless
// deployments pass everything through.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pw := r.Header.Get(passwordHeader)
		if pw == "" {
			pw = r.URL.Query().Get("password")
		}
		if !s.auth.Check(pw) {
			s.writeError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRateLimited()
	w.Header().Set("Retry-After", "60")
	s.writeErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, status := errorKind(err)
	s.writeErrorStatus(w, status, kind, err.Error())
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, kind, msg string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = msg
	s.writeJSON(w, status, body)
}

// decodeBody unmarshals a size-capped JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPostBody))
	if err := dec.Decode(v); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "bad_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
