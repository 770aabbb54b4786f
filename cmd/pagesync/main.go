package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/readmark/pagesync/internal/annostore"
	"github.com/readmark/pagesync/internal/docview"
	"github.com/readmark/pagesync/internal/httpapi"
	"github.com/readmark/pagesync/internal/pagesync"
)

func main() {
	addr := envOrDefault("PAGESYNC_ADDR", ":8080")

	stateBackend, stateFile, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := annostore.NewStoreWithOptions(annostore.StoreOptions{
		StateBackend:    stateBackend,
		StateFile:       stateFile,
		WatchStateFile:  boolEnv("PAGESYNC_WATCH_STATE", false),
		MaxStoredEvents: intEnv("PAGESYNC_MAX_STORED_EVENTS", 0),
	})
	defer store.Close()

	viewport := docview.NewViewport(docview.ViewportOptions{
		PageCount: intEnv("PAGESYNC_PAGE_COUNT", 0),
		Before:    intEnv("PAGESYNC_RENDER_BUFFER", 0),
		After:     intEnv("PAGESYNC_RENDER_BUFFER", 0),
	})
	coord := pagesync.NewCoordinatorWithOptions(store, viewport, pagesync.CoordinatorOptions{
		ResyncWindow: intEnv("PAGESYNC_RESYNC_WINDOW", 0),
	})
	viewport.SetOnRender(coord.OnLazyRender)
	coord.RebuildIndex(store.ListAnnotations(""))

	// An externally rewritten snapshot replaces store contents wholesale;
	// rebuild the page index whenever that happens.
	events, cancel := store.Subscribe()
	defer cancel()
	go func() {
		for event := range events {
			if event.Type == annostore.EventStoreReloaded {
				coord.RebuildIndex(store.ListAnnotations(""))
			}
		}
	}()

	server := httpapi.NewServerWithConfig(store, coord, httpapi.ServerConfig{
		TokenSecret:     os.Getenv("PAGESYNC_TOKEN_SECRET"),
		RateLimitMax:    intEnv("PAGESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("PAGESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("PAGESYNC_MAX_BODY_BYTES", 0),
		Scroller:        viewport,
	})

	log.Printf("pagesync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// buildStateBackendFromEnv resolves persistence from the environment.
// It returns either a constructed backend or a plain state-file path; the
// path form is what supports PAGESYNC_WATCH_STATE.
func buildStateBackendFromEnv() (annostore.StateBackend, string, error) {
	if stateFile := strings.TrimSpace(os.Getenv("PAGESYNC_STATE_FILE")); stateFile != "" {
		return nil, stateFile, nil
	}
	dsn := strings.TrimSpace(os.Getenv("PAGESYNC_STATE_DSN"))
	if dsn == "" {
		profileDSN, err := storageProfileDSNFromEnv()
		if err != nil {
			return nil, "", err
		}
		dsn = profileDSN
	}
	if dsn == "" {
		return nil, "", nil
	}
	if path := strings.TrimPrefix(dsn, "file://"); path != dsn && path != "" {
		return nil, path, nil
	}
	backend, err := annostore.BuildStateBackendFromDSN(dsn)
	return backend, "", err
}

func storageProfileDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("PAGESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("PAGESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".pagesync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("PAGESYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("PAGESYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("PAGESYNC_PRODUCTION_DSN or PAGESYNC_POSTGRES_DSN is required when PAGESYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported PAGESYNC_BACKEND_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
