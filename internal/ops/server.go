package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bpark/bparkd/internal/database"
	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/session"
	"github.com/bpark/bparkd/pkg/logger"
)

// ReportStore is the slice of the report generator the download
// endpoints need.
type ReportStore interface {
	ParkingReport(ctx context.Context, month time.Time) ([]byte, error)
	SubscriberReport(ctx context.Context, subscriberID string, month time.Time) ([]byte, error)
}

// Server is the HTTP side door: health, Prometheus metrics and report
// downloads for the back-office. Workers authenticate with the JWT they
// got at sign-in.
type Server struct {
	addr      string
	pool      *database.Pool
	reports   ReportStore
	jwtSecret string
	metrics   bool
}

func NewServer(addr string, pool *database.Pool, reports ReportStore, jwtSecret string, metrics bool) *Server {
	return &Server{addr: addr, pool: pool, reports: reports, jwtSecret: jwtSecret, metrics: metrics}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", s.health)
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/reports", func(r chi.Router) {
		r.Use(s.requireManager)
		r.Get("/parking/{month}", s.parkingReport)
		r.Get("/subscribers/{id}/{month}", s.subscriberReport)
	})
	return r
}

// ListenAndServe blocks until the context is cancelled, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown", "error", err)
		}
	}()

	logger.Info("ops server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"pool_open": s.pool.OpenCount(),
		"pool_idle": s.pool.IdleCount(),
		"pool_max":  s.pool.MaxSize(),
	})
}

func (s *Server) requireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := session.ParseToken(token, s.jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		role, ok := domain.ParseRole(claims.Role)
		if !ok || role != domain.RoleManager {
			http.Error(w, "manager role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parkingReport(w http.ResponseWriter, r *http.Request) {
	month, err := time.Parse("2006-01", chi.URLParam(r, "month"))
	if err != nil {
		http.Error(w, "bad month, want YYYY-MM", http.StatusBadRequest)
		return
	}
	blob, err := s.reports.ParkingReport(r.Context(), month)
	if err != nil {
		logger.Error("fetch parking report", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeWorkbook(w, blob, fmt.Sprintf("parking-%s.xlsx", month.Format("2006-01")))
}

func (s *Server) subscriberReport(w http.ResponseWriter, r *http.Request) {
	month, err := time.Parse("2006-01", chi.URLParam(r, "month"))
	if err != nil {
		http.Error(w, "bad month, want YYYY-MM", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	blob, err := s.reports.SubscriberReport(r.Context(), id, month)
	if err != nil {
		logger.Error("fetch subscriber report", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeWorkbook(w, blob, fmt.Sprintf("%s-%s.xlsx", id, month.Format("2006-01")))
}

func (s *Server) writeWorkbook(w http.ResponseWriter, blob []byte, filename string) {
	if blob == nil {
		http.Error(w, "no report for that month", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(blob)
}
