// Command order-import replays gzip-compressed NDJSON order exports against a
// running order API.
//
// Every line is one submit payload ({"order_id","user_id","item_ids",
// "total_amount"}). The import runs in two passes: the first streams all
// files through a bloom filter to find identifiers that may repeat, the second
// submits each order once with bounded concurrency.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
)

func main() {
	var cfg importConfig

	flag.StringVar(&cfg.dataDir, "data-dir", "data", "directory containing *.ndjson.gz order exports")
	flag.StringVar(&cfg.apiURL, "api-url", "http://localhost:8080", "base URL of the order API (or ORDERQ_API_URL env)")
	flag.IntVar(&cfg.workers, "workers", 8, "concurrent submissions")
	flag.Float64Var(&cfg.rps, "rps", 40, "maximum submissions per second, 0 for unlimited")
	flag.IntVar(&cfg.expected, "expected", 1_000_000, "expected number of orders, sizes the bloom filter")
	flag.Parse()

	if v := os.Getenv("ORDERQ_API_URL"); v != "" && !isFlagSet("api-url") {
		cfg.apiURL = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	files, err := filepath.Glob(filepath.Join(cfg.dataDir, "*.ndjson.gz"))
	if err != nil {
		slog.Error("list exports failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	imp := newImporter(cfg, &http.Client{Timeout: 10 * time.Second})
	stats, err := imp.run(ctx, files)
	if err != nil {
		slog.Error("order import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("order import completed successfully",
		slog.Int64("created", stats.created.Load()),
		slog.Int64("existing", stats.existing.Load()),
		slog.Int64("rejected", stats.rejected.Load()),
		slog.Int64("duplicates", stats.duplicates.Load()),
	)
}

func isFlagSet(name string) bool {
	var set bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

var errNoFiles = errors.New("no order exports found")
