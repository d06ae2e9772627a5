package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/b/cloudkit/config"
	"github.com/b/cloudkit/handler"
	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/memoryadapter"
	"github.com/b/cloudkit/store/pgadapter"
	"github.com/b/cloudkit/store/sqliteadapter"

	"net/http"
)

// corsMiddleware wraps an http.Handler with CORS headers. Grounded on
// the teacher's main.go middleware of the same name.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Remote-User, If-Match")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// buildAdapter opens the backend named by cfg.Backend.
func buildAdapter(cfg *config.Config, logger *zap.Logger) (store.Adapter, error) {
	switch cfg.Backend {
	case "memory":
		return memoryadapter.New(logger), nil
	case "sqlite":
		return sqliteadapter.Open(cfg.SQLitePath, logger)
	case "postgres":
		return pgadapter.Open(cfg.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q (want memory, sqlite, or postgres)", cfg.Backend)
	}
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.LoadConfig()
	// A deployment names its own collections, views, and schemas; the
	// defaults below are a minimal working example.
	if len(cfg.Collections) == 0 {
		cfg.Collections = []string{"foos"}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage backend", zap.String("backend", cfg.Backend), zap.Error(err))
	}

	registry := store.NewRegistry(cfg.Collections, viewNames(cfg.Views))
	views := store.NewManager(cfg.ViewDefs(), logger)

	engine, err := store.NewEngine(adapter, registry, views, cfg.Schemas, logger)
	if err != nil {
		logger.Fatal("failed to build store engine", zap.Error(err))
	}

	h := handler.New(engine, logger)
	wrapped := corsMiddleware(h, cfg.AllowedOrigins)

	logger.Info("cloudkit starting",
		zap.String("addr", cfg.ListenAddr),
		zap.String("backend", cfg.Backend),
		zap.Strings("collections", cfg.Collections),
	)
	if err := http.ListenAndServe(cfg.ListenAddr, wrapped); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func viewNames(views []config.ViewSpec) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Name
	}
	return out
}
