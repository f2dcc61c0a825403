package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lila/deviceconnect/internal/dexcom"
)

// Registry lists every identity known to the credential store.
type Registry interface {
	ListIdentities(ctx context.Context) ([]string, error)
}

// TokenSource returns a currently-valid access token for an identity, or an
// error when the user has no usable credential. Any error means skip the user.
type TokenSource interface {
	ValidToken(ctx context.Context, identity string) (string, error)
}

// Fetcher pulls one endpoint's records for one user and window, returning the
// decoded records plus the raw response body for archival.
type Fetcher interface {
	Fetch(ctx context.Context, token string, spec dexcom.EndpointSpec, w dexcom.Window) ([]dexcom.RawRecord, []byte, error)
}

// Archiver stores a raw payload. Optional; failures never fail the user.
type Archiver interface {
	Store(ctx context.Context, endpoint, identity, date string, payload []byte) error
}

// Loader bulk-appends a batch to the endpoint's destination table.
type Loader interface {
	Load(ctx context.Context, spec dexcom.EndpointSpec, rows []dexcom.Row) (int, error)
}

// Runner drives one endpoint run: token, fetch, and normalize per user with a
// bounded worker pool, then a single load of the accumulated batch. Per-user
// failures are isolated; the loader error is the only failure surfaced.
type Runner struct {
	log      *slog.Logger
	registry Registry
	tokens   TokenSource
	fetcher  Fetcher
	archive  Archiver // nil disables raw archival
	loader   Loader
	workers  int
	limiter  *rate.Limiter // shared across workers; vendor rate-limit safety
}

func NewRunner(log *slog.Logger, registry Registry, tokens TokenSource, fetcher Fetcher, loader Loader, workers, ratePerSec int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		log:      log,
		registry: registry,
		tokens:   tokens,
		fetcher:  fetcher,
		loader:   loader,
		workers:  workers,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// WithArchive enables raw payload archival for subsequent runs.
func (r *Runner) WithArchive(a Archiver) *Runner {
	r.archive = a
	return r
}

// Options narrow a run. Date pins the one-day window [Date, Date+1d) instead
// of yesterday; User restricts the run to that identity when it is registered.
type Options struct {
	Date *time.Time
	User string
}

func (r *Runner) Run(ctx context.Context, spec dexcom.EndpointSpec, opts Options) (Summary, error) {
	start := time.Now()

	window := dexcom.DefaultWindow(time.Now())
	if opts.Date != nil {
		window = dexcom.NewWindow(*opts.Date)
	}

	identities, err := r.registry.ListIdentities(ctx)
	if err != nil {
		return Summary{Endpoint: spec.Name, Window: window}, fmt.Errorf("list identities: %w", err)
	}
	if opts.User != "" {
		for _, id := range identities {
			if id == opts.User {
				identities = []string{opts.User}
				break
			}
		}
	}

	r.log.Info("run_started",
		"endpoint", spec.Name,
		"users", len(identities),
		"start_date", window.StartDate(),
		"end_date", window.EndDate(),
	)

	var (
		mu      sync.Mutex
		batch   []dexcom.Row
		results []Result
	)

	jobs := make(chan string)
	var wg sync.WaitGroup

	workers := r.workers
	if workers > len(identities) && len(identities) > 0 {
		workers = len(identities)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for identity := range jobs {
				res, rows := r.processUser(ctx, spec, window, identity)
				mu.Lock()
				results = append(results, res)
				batch = append(batch, rows...)
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, identity := range identities {
		select {
		case <-ctx.Done():
			// remaining users are skipped; recorded results stay valid
			break dispatch
		case jobs <- identity:
		}
	}
	close(jobs)
	wg.Wait()

	summary := Summary{
		Endpoint: spec.Name,
		Window:   window,
		Results:  results,
		Elapsed:  time.Since(start),
	}

	if err := ctx.Err(); err != nil {
		r.log.Warn("run_aborted", "endpoint", spec.Name, "processed", len(results), "error", err)
		return summary, err
	}

	loaded, err := r.loader.Load(ctx, spec, batch)
	summary.RowsLoaded = loaded
	summary.Elapsed = time.Since(start)
	if err != nil {
		return summary, err
	}

	r.log.Info("run_complete",
		"endpoint", spec.Name,
		"users", len(results),
		"success", summary.Count(StatusSuccess),
		"unauthorized", summary.Count(StatusUnauthorized),
		"transport_errors", summary.Count(StatusTransportError),
		"empty", summary.Count(StatusEmpty),
		"rows_loaded", loaded,
		"elapsed", summary.Elapsed.String(),
	)
	return summary, nil
}

// processUser runs the token-fetch-normalize pipeline for a single identity.
// Everything it needs is passed in; nothing is shared between users except
// the rate limiter.
func (r *Runner) processUser(ctx context.Context, spec dexcom.EndpointSpec, window dexcom.Window, identity string) (Result, []dexcom.Row) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{Identity: identity, Status: StatusTransportError, Detail: "run cancelled before fetch"}, nil
	}

	token, err := r.tokens.ValidToken(ctx, identity)
	if err != nil {
		r.log.Info("user_skipped", "endpoint", spec.Name, "identity", identity, "reason", "unauthorized")
		return Result{Identity: identity, Status: StatusUnauthorized, Detail: err.Error()}, nil
	}

	records, payload, err := r.fetcher.Fetch(ctx, token, spec, window)
	if err != nil {
		r.log.Warn("user_fetch_failed", "endpoint", spec.Name, "identity", identity, "error", err)
		return Result{Identity: identity, Status: StatusTransportError, Detail: err.Error()}, nil
	}

	if len(records) == 0 {
		r.log.Debug("user_no_data", "endpoint", spec.Name, "identity", identity)
		return Result{Identity: identity, Status: StatusEmpty}, nil
	}

	if r.archive != nil {
		if err := r.archive.Store(ctx, spec.Name, identity, window.StartDate(), payload); err != nil {
			r.log.Warn("raw_archive_failed", "endpoint", spec.Name, "identity", identity, "error", err)
		}
	}

	rows := dexcom.Normalize(records, spec, identity, window.Start)
	return Result{Identity: identity, Status: StatusSuccess, Rows: len(rows)}, rows
}
