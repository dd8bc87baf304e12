package main

import (
	"database/sql"
	"log/slog"

	"call-processing/internal/auth"
	"call-processing/internal/config"
	"call-processing/internal/httpapi"
	"call-processing/internal/ingest"
	"call-processing/internal/notify"
	"call-processing/internal/store"

	"github.com/gin-gonic/gin"
)

// buildRouter wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func buildRouter(cfg config.Config, log *slog.Logger, db *sql.DB, st store.Store, ing *ingest.Service, notifier *notify.Notifier) (*gin.Engine, error) {
	h := httpapi.Handlers{
		Ingest:   ing,
		Store:    st,
		Notifier: notifier,
		DB:       db,
	}

	// Service-token auth protects /v1 only when a secret is configured;
	// health probes and the dashboard socket stay public either way.
	var authMW gin.HandlerFunc
	if cfg.AuthEnabled() {
		mgr, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL)
		if err != nil {
			return nil, err
		}
		authMW = auth.RequireServiceToken(mgr)
	}

	return httpapi.NewRouter(log, h, authMW), nil
}
