package app

import (
	"database/sql"
	"net/http"
	"time"

	"asncorpu/internal/app/apiresp"
	"asncorpu/internal/app/observability"
	"asncorpu/internal/auth"
	"asncorpu/internal/institution"
	"asncorpu/internal/logger"
	"asncorpu/internal/survey"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRouter wires every handler onto one chi mux. rdb may be nil, in which
// case rate limiting stays in-process.
func NewRouter(cfg Config, db *sql.DB, log *zap.Logger, rdb *redis.Client) http.Handler {
	log = logger.OrNop(log)

	r := chi.NewRouter()
	collector := observability.NewCollector(db, log.Named("http"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(collector.Middleware)

	var limiter Limiter = NewIPRateLimiter(cfg.AuthRateLimitPerMin, time.Minute)
	if rdb != nil {
		limiter = NewRedisRateLimiter(rdb, cfg.AuthRateLimitPerMin, time.Minute, log.Named("ratelimit"))
	}

	authSvc := auth.NewService(db, auth.ServiceConfig{
		SessionSecret:  cfg.SessionSecret,
		SessionTTL:     cfg.SessionTTL,
		BootstrapToken: cfg.BootstrapToken,
		Logger:         log.Named("auth"),
	})
	authHandler := auth.NewHandler(authSvc, cfg.IsProduction())

	surveySvc := survey.NewService(db, log.Named("survey"))
	surveyHandler := survey.NewHandler(surveySvc)

	institutionSvc := institution.NewService(db, log.Named("institution"))
	institutionHandler := institution.NewHandler(institutionSvc)

	health := func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
	r.Get("/healthz", health)
	r.Get("/metrics", collector.MetricsHandler)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(CSRFMiddleware(cfg.CSRFEnforced))

		api.Get("/healthz", health)
		api.Get("/metrics", collector.MetricsHandler)
		api.Get("/catalog", surveyHandler.Catalog)
		api.Get("/institution-types", institutionHandler.Types)

		api.Group(func(public chi.Router) {
			public.Use(RateLimitMiddleware(limiter))
			public.Post("/bootstrap/init", authHandler.BootstrapInit)
			public.Post("/auth/login-password", authHandler.LoginPassword)
		})

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)
			secure.Get("/auth/me", authHandler.Me)
			secure.Post("/auth/logout", authHandler.Logout)
			secure.Get("/surveys/years", surveyHandler.ListYears)
			secure.Get("/results/{userID}/{tahun}", surveyHandler.Result)

			secure.Group(func(inst chi.Router) {
				inst.Use(authHandler.RequireRoles(auth.RoleInstitusi))
				inst.Get("/institutions/me", institutionHandler.GetMine)
				inst.Put("/institutions/me", institutionHandler.UpsertMine)
				inst.Get("/surveys/{tahun}", surveyHandler.GetSurvey)
				inst.Put("/surveys/{tahun}", surveyHandler.Submit)
			})

			secure.Group(func(review chi.Router) {
				review.Use(authHandler.RequireRoles(auth.RoleAdmin, auth.RoleVerifikator))
				review.Get("/admin/reports/{tahun}", surveyHandler.YearReport)
				review.Get("/admin/reports/{tahun}/stats", surveyHandler.YearStats)
				review.Get("/admin/reports/{tahun}/export.xlsx", surveyHandler.ExportYearExcel)
				review.Get("/admin/surveys/{id}/verification", surveyHandler.GetVerification)
				review.Put("/admin/surveys/{id}/verification", surveyHandler.SaveVerification)
				review.Post("/admin/surveys/{id}/verify", surveyHandler.Verify)
				review.Get("/admin/institutions", institutionHandler.List)
			})

			secure.Group(func(admin chi.Router) {
				admin.Use(authHandler.RequireRoles(auth.RoleAdmin))
				admin.Get("/admin/imports/template.xlsx", surveyHandler.ImportTemplate)
				admin.Post("/admin/imports/{tahun}", surveyHandler.ImportAnswersExcel)
				admin.Get("/admin/users", authHandler.ListUsers)
				admin.Post("/admin/users", authHandler.CreateUser)
				admin.Get("/admin/users/export.xlsx", authHandler.ExportUsersExcel)
				admin.Post("/admin/users/import", authHandler.ImportUsersExcel)
				admin.Post("/admin/users/{id}/deactivate", authHandler.DeactivateUser)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
