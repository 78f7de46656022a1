package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/config"
	"github.com/JakeFAU/pricepulse/internal/metrics"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// ProductStore is the slice of tracker.Store the API reads and updates.
type ProductStore interface {
	ListProducts(ctx context.Context, withHistory bool) ([]tracker.Product, error)
	GetProduct(ctx context.Context, id int64) (tracker.Product, error)
	UpdateProduct(ctx context.Context, id int64, u tracker.ProductUpdate) (tracker.Product, error)
	ListPriceHistory(ctx context.Context, productID int64) ([]tracker.PriceHistory, error)
	Ping(ctx context.Context) error
}

// Tracker registers products and schedules price checks.
type Tracker interface {
	RegisterProduct(ctx context.Context, in tracker.NewProduct) (tracker.Product, error)
	SchedulePriceCheck(ctx context.Context, productID int64, kind tracker.JobKind) (string, error)
}

// Server wires HTTP handlers to the store, the tracking service, and the
// job result backend.
type Server struct {
	router  chi.Router
	store   ProductStore
	tracker Tracker
	results tracker.ResultStore
	cfg     config.ServerConfig
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store ProductStore,
	svc Tracker,
	results tracker.ResultStore,
	cfg config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		store:   store,
		tracker: svc,
		results: results,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	if len(cfg.CORSAllowOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	s.routes(r)
	if prefix := strings.TrimRight(cfg.APIPrefix, "/"); prefix != "" {
		r.Route(prefix, s.routes)
	}

	s.router = r
	return s
}

func (s *Server) routes(r chi.Router) {
	r.Get("/health", s.health)
	r.Get("/readyz", s.readyz)
	r.Route("/products", func(r chi.Router) {
		r.Get("/", s.listProducts)
		r.Post("/", s.createProduct)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getProduct)
			r.Patch("/", s.updateProduct)
			r.Get("/history", s.listHistory)
			r.Post("/track", s.trackProduct)
		})
	})
	r.Get("/jobs/{job_id}", s.getJob)
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(middleware.RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, reqID)
		w.Header().Set(middleware.RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeStoreError maps domain errors onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracker.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tracker.ErrInvalid), errors.Is(err, tracker.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrQueue):
		s.logger.Warn("queue unavailable",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request timed out",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("error_kind", tracker.ErrorKind(err)),
			zap.Error(err),
		)
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("error_kind", tracker.ErrorKind(err)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
