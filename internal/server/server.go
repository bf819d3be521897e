// Package server exposes the credit, preview, payment and admin HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/ratelimit"
	"github.com/digkill/imagecredit/internal/service"
	"github.com/digkill/imagecredit/internal/tokens"
)

const (
	maxPreviewBody = 16 << 20
	maxJSONBody    = 1 << 20
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Config   config.Config
	Log      *zap.Logger
	DB       *gorm.DB
	Metrics  *metrics.Metrics
	Limiter  ratelimit.Limiter
	Users    *tokens.Issuer
	Credits  *service.CreditService
	Styles   *service.StyleService
	Missions *service.MissionService
	Images   *service.GenerationService
	Orders   *service.OrderService
}

type Server struct {
	cfg      config.Config
	log      *zap.Logger
	db       *gorm.DB
	metrics  *metrics.Metrics
	limiter  ratelimit.Limiter
	users    *tokens.Issuer
	credits  *service.CreditService
	styles   *service.StyleService
	missions *service.MissionService
	images   *service.GenerationService
	orders   *service.OrderService
	router   *chi.Mux
}

func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		log:      d.Log.Named("http"),
		db:       d.DB,
		metrics:  d.Metrics,
		limiter:  d.Limiter,
		users:    d.Users,
		credits:  d.Credits,
		styles:   d.Styles,
		missions: d.Missions,
		images:   d.Images,
		orders:   d.Orders,
		router:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/payment/webhook", s.handleWebhook)

		api.Group(func(r chi.Router) {
			r.Use(s.identify)
			r.Get("/credit", s.handleCredit)
			r.Get("/credit/packages", s.handlePackages)
			r.Get("/credit/history", s.handleHistory)
			r.Post("/credit/order", s.handleCreateOrder)
			r.Get("/credit/order/{code}", s.handleOrderStatus)
			r.Get("/styles", s.handleStyles)
			r.With(s.previewLimit).Post("/preview", s.handlePreview)
			r.Post("/unlock", s.handleUnlock)
			r.Get("/download", s.handleDownload)
			r.Get("/mission/get", s.handleMission)
			r.Post("/mission/verify", s.handleMissionVerify)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuth)
		admin.Post("/credits/adjust", s.handleAdjustCredits)
		admin.Delete("/accounts/{key}", s.handleEraseAccount)
		admin.Get("/orders", s.handleListOrders)
		admin.Post("/orders/{code}/complete", s.handleCompleteOrder)
		admin.Route("/missions", func(r chi.Router) {
			r.Get("/", s.handleListMissions)
			r.Get("/stats", s.handleMissionStats)
			r.Post("/", s.handleCreateMission)
			r.Put("/{id}", s.handleUpdateMission)
			r.Delete("/{id}", s.handleDeleteMission)
		})
		admin.Route("/styles", func(r chi.Router) {
			r.Get("/", s.handleListAllStyles)
			r.Post("/", s.handleCreateStyle)
			r.Put("/{id}", s.handleUpdateStyle)
			r.Delete("/{id}", s.handleDeleteStyle)
		})
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Preview waits on the model for up to two minutes.
		WriteTimeout: 4 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			s.log.Warn("health check: database unreachable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe logs each request and records it under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, fmt.Sprint(status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
