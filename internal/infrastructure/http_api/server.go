package http_api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/davarch/approval-gate/internal/application"
	"github.com/davarch/approval-gate/internal/domain"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Verifier interface {
	Verify(h http.Header, body []byte) error
}

// HTTPMetrics is satisfied by the Prometheus recorder.
type HTTPMetrics interface {
	RecordHTTPRequest(method, route string, statusCode int, durationSeconds float64)
	Handler() http.Handler
}

type Deps struct {
	Orchestrator *application.Orchestrator
	Callbacks    *application.CallbackHandler
	Registry     domain.ApprovalRegistry
	Executions   domain.ExecutionStore
	Verifier     Verifier
	Metrics      HTTPMetrics
	Health       func(context.Context) error
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// APIToken guards the operator routes. Empty leaves them open.
	APIToken string
}

type Server struct {
	log  *zap.Logger
	deps Deps
	opts Options
	r    *mux.Router
}

func New(l *zap.Logger, deps Deps, opts Options) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Server{log: l, deps: deps, opts: opts}
	s.r = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, s.recoverer, s.observe)

	r.HandleFunc("/bot", s.handleCallback).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/executions", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.r,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", s.opts.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
