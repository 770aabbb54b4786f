package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/readmark/pagesync/internal/annostore"
	"github.com/readmark/pagesync/internal/docview"
	"github.com/readmark/pagesync/internal/pagesync"
	"github.com/readmark/pagesync/internal/peersync"
)

func main() {
	baseURL := flag.String("server", envOrDefault("PAGESYNC_SERVER_URL", "http://127.0.0.1:8080"), "pagesync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("PAGESYNC_TOKEN")), "bearer token")
	documentID := flag.String("document", strings.TrimSpace(os.Getenv("PAGESYNC_DOCUMENT")), "document ID to follow")
	cursorFile := flag.String("cursor-file", strings.TrimSpace(os.Getenv("PAGESYNC_PEER_CURSOR_FILE")), "cursor state file path")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("PAGESYNC_PEER_STATE_FILE")), "local annotation snapshot file")
	interval := flag.Duration("interval", durationEnv("PAGESYNC_PEER_INTERVAL", 2*time.Second), "poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("PAGESYNC_PEER_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("PAGESYNC_PEER_TIMEOUT", 15*time.Second), "per-cycle timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or PAGESYNC_TOKEN)")
	}
	if strings.TrimSpace(*documentID) == "" {
		log.Fatalf("document is required (--document or PAGESYNC_DOCUMENT)")
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	store := annostore.NewStoreWithOptions(annostore.StoreOptions{
		StateFile: strings.TrimSpace(*stateFile),
	})
	defer store.Close()
	coord := pagesync.NewCoordinator(store, docview.NewViewport(docview.ViewportOptions{}))
	coord.RebuildIndex(store.ListAnnotations(""))

	client := peersync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	syncer, err := peersync.NewSyncer(client, coord, peersync.SyncerOptions{
		DocumentID: strings.TrimSpace(*documentID),
		CursorFile: strings.TrimSpace(*cursorFile),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize peer syncer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Printf("peer sync cycle failed: %v", err)
			return
		}
		log.Printf("peer sync cycle completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("peer sync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
