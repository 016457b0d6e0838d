// Command queryctl is a demo CLI that runs one reactive query store
// against a real HTTP GET endpoint, printing status transitions until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resinat/queryengine/internal/abort"
	"github.com/resinat/queryengine/internal/scheduler"
	"github.com/resinat/queryengine/internal/storage"
	"github.com/resinat/queryengine/query"
	"github.com/resinat/queryengine/queryconfig"
)

func main() {
	url := flag.String("url", "", "URL to GET on each fetch")
	configPath := flag.String("config", "", "optional YAML config overriding defaults")
	dbPath := flag.String("db", "", "optional SQLite path for persistence")
	userAgent := flag.String("user-agent", "queryctl/1", "User-Agent header sent with each fetch")
	sweepSpec := flag.String("sweep", "@hourly", "cron spec for the background cache prune sweep; empty disables it")
	flag.Parse()

	if *url == "" {
		fatalf("-url is required")
	}

	opts := queryconfig.Defaults()
	if *configPath != "" {
		loaded, err := queryconfig.Load(*configPath)
		if err != nil {
			fatalf("%v", err)
		}
		opts = loaded
	}
	if opts.StaleTimeTooLow() {
		log.Printf("[queryctl] warn: staleTime %v is below the recommended %v floor", opts.StaleTime.Std(), queryconfig.StaleTimeWarnThreshold)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	var adapter *storage.Adapter[string]
	if *dbPath != "" {
		db, err := storage.Open(*dbPath)
		if err != nil {
			fatalf("open storage: %v", err)
		}
		defer db.Close()
		adapter = storage.NewAdapter[string](db, "queryctl")
	}

	store := query.New(query.Config[string]{
		Options: opts,
		Adapter: adapter,
		Fetcher: fetchURL(httpClient, *url, *userAgent),
		OnError: func(err error, retryCount int) {
			log.Printf("[queryctl] fetch error (retry %d): %v", retryCount, err)
		},
	})
	defer store.Close()

	unsubscribe := store.Subscribe(func(s query.State[string]) {
		log.Printf("[queryctl] status=%s key=%s err=%v", s.Status, s.QueryKey, s.Error)
	})
	defer unsubscribe()

	if *sweepSpec != "" {
		sweeper, err := scheduler.NewSweeper(*sweepSpec, nil)
		if err != nil {
			fatalf("bad -sweep spec: %v", err)
		}
		sweeper.Register(store)
		sweeper.Start()
		defer sweeper.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[queryctl] watching %s (staleTime=%v cacheTime=%v)", *url, opts.StaleTime.Std(), opts.CacheTime.Std())

	<-ctx.Done()
	log.Println("[queryctl] shutting down")

	if err := store.Persist(); err != nil {
		log.Printf("[queryctl] persist on shutdown failed: %v", err)
	}
}

func fetchURL(client *http.Client, url, userAgent string) func(ctx context.Context, params map[string]any, h *abort.Handle) (any, error) {
	return func(ctx context.Context, params map[string]any, h *abort.Handle) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if userAgent != "" {
			req.Header.Set("User-Agent", userAgent)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return string(body), nil
	}
}

func fatalf(format string, args ...any) {
	log.Printf("[queryctl] fatal: "+format, args...)
	os.Exit(1)
}
