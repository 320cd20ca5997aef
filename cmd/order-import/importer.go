package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	bloomFPR      = 0.001
	maxLineBytes  = 1 << 20
	maxAttempts   = 5
	progressEvery = 10_000
)

type importConfig struct {
	dataDir  string
	apiURL   string
	workers  int
	rps      float64
	expected int
}

type importStats struct {
	lines      atomic.Int64
	created    atomic.Int64
	existing   atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

type importer struct {
	cfg        importConfig
	client     *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

func newImporter(cfg importConfig, client *http.Client) *importer {
	if cfg.workers < 1 {
		cfg.workers = 1
	}
	if cfg.expected < 1 {
		cfg.expected = 1
	}
	limit := rate.Inf
	if cfg.rps > 0 {
		limit = rate.Limit(cfg.rps)
	}
	cfg.apiURL = strings.TrimRight(cfg.apiURL, "/")

	return &importer{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, cfg.workers),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (imp *importer) run(ctx context.Context, files []string) (*importStats, error) {
	if len(files) == 0 {
		return nil, errors.Wrap(errNoFiles, imp.cfg.dataDir)
	}

	// Pass 1: find identifiers that may occur more than once.
	slog.Info("pass 1: scanning for repeated order ids", slog.Int("files", len(files)))

	repeats, err := findRepeats(ctx, files, imp.cfg.expected)
	if err != nil {
		return nil, errors.Wrap(err, "find repeats")
	}

	slog.Info("pass 1 complete", slog.Int("possible_repeats", len(repeats)))

	// Pass 2: submit every order once.
	slog.Info("pass 2: submitting orders", slog.Int("workers", imp.cfg.workers))

	stats := &importStats{}
	if err := imp.submitAll(ctx, files, repeats, stats); err != nil {
		return stats, err
	}
	if n := stats.failed.Load(); n > 0 {
		return stats, errors.Errorf("%d orders could not be submitted", n)
	}
	return stats, nil
}

// findRepeats returns every id the bloom filter had already seen when it was
// added again. The set holds all true repeats plus false positives, so pass 2
// only has to track first occurrences for these ids.
func findRepeats(ctx context.Context, files []string, expected int) (map[string]bool, error) {
	filter := bloom.NewWithEstimates(uint(expected), bloomFPR)
	repeats := make(map[string]bool)

	for _, path := range files {
		if err := streamGzFile(ctx, path, func(line []byte) error {
			if isBlank(line) {
				return nil
			}
			id, err := orderID(line)
			if err != nil {
				return nil
			}
			if filter.TestAndAddString(id) {
				repeats[id] = true
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return repeats, nil
}

func (imp *importer) submitAll(ctx context.Context, files []string, repeats map[string]bool, stats *importStats) error {
	var (
		mu        sync.Mutex
		submitted = make(map[string]bool, len(repeats))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(imp.cfg.workers)

	var streamErr error
	for _, path := range files {
		streamErr = streamGzFile(gctx, path, func(line []byte) error {
			if isBlank(line) {
				return nil
			}
			id, err := orderID(line)
			if n := stats.lines.Add(1); n%progressEvery == 0 {
				slog.Info("pass 2 progress", slog.Int64("orders", n))
			}
			if err != nil {
				stats.rejected.Add(1)
				slog.Warn("skipping malformed order", slog.String("file", path), slog.String("error", err.Error()))
				return nil
			}
			if repeats[id] {
				mu.Lock()
				seen := submitted[id]
				submitted[id] = true
				mu.Unlock()
				if seen {
					stats.duplicates.Add(1)
					return nil
				}
			}

			body := bytes.Clone(line)
			g.Go(func() error {
				return imp.submit(gctx, id, body, stats)
			})
			return nil
		})
		if streamErr != nil {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return streamErr
}

// submit posts one order, retrying throttling and server errors. Client
// errors are final.
func (imp *importer) submit(ctx context.Context, id string, body []byte, stats *importStats) error {
	op := func() error {
		if err := imp.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, imp.cfg.apiURL+"/api/order", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := imp.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch code := resp.StatusCode; {
		case code == http.StatusCreated:
			stats.created.Add(1)
			return nil
		case code == http.StatusConflict:
			stats.existing.Add(1)
			return nil
		case code == http.StatusBadRequest:
			stats.rejected.Add(1)
			slog.Warn("order rejected", slog.String("order_id", id), slog.String("detail", readDetail(resp.Body)))
			return nil
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			_, _ = io.Copy(io.Discard, resp.Body)
			return errors.Errorf("status %d", code)
		default:
			return backoff.Permanent(errors.Errorf("unexpected status %d", code))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(imp.newBackOff(), maxAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.failed.Add(1)
		slog.Error("order submit failed", slog.String("order_id", id), slog.String("error", err.Error()))
	}
	return nil
}

func isBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}

// orderID extracts order_id from an NDJSON line.
func orderID(line []byte) (string, error) {
	var id string
	if err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "order_id" {
			return d.Skip()
		}
		if d.Next() != jx.String {
			return errors.New("order_id: expected string")
		}
		var err error
		id, err = d.Str()
		return err
	}); err != nil {
		return "", errors.Wrap(err, "decode")
	}
	if id == "" {
		return "", errors.New("missing order_id")
	}
	return id, nil
}

func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var detail string
	_ = jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "detail" {
			return d.Skip()
		}
		var err error
		detail, err = d.Str()
		return err
	})
	return detail
}

// streamGzFile opens a gzip-compressed file and calls fn for each line. The
// line slice is only valid during the call.
func streamGzFile(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}
