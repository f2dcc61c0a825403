package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lila/deviceconnect/internal/dexcom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeRegistry struct {
	identities []string
}

func (f *fakeRegistry) ListIdentities(ctx context.Context) ([]string, error) {
	return f.identities, nil
}

type fakeTokens struct {
	mu           sync.Mutex
	unauthorized map[string]bool
	calls        []string
}

func (f *fakeTokens) ValidToken(ctx context.Context, identity string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, identity)
	f.mu.Unlock()
	if f.unauthorized[identity] {
		return "", errors.New("user not authorized")
	}
	return "tok-" + identity, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]dexcom.RawRecord
	fail    map[string]error
	windows []dexcom.Window
	calls   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, token string, spec dexcom.EndpointSpec, w dexcom.Window) ([]dexcom.RawRecord, []byte, error) {
	f.mu.Lock()
	identity := token[len("tok-"):]
	f.calls = append(f.calls, identity)
	f.windows = append(f.windows, w)
	f.mu.Unlock()
	if err := f.fail[identity]; err != nil {
		return nil, nil, err
	}
	return f.records[identity], []byte(`{}`), nil
}

type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	batches [][]dexcom.Row
	err     error
}

func (f *fakeLoader) Load(ctx context.Context, spec dexcom.EndpointSpec, rows []dexcom.Row) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, rows)
	if f.err != nil {
		return 0, f.err
	}
	return len(rows), nil
}

func newTestRunner(reg *fakeRegistry, tok *fakeTokens, fet *fakeFetcher, ld *fakeLoader) *Runner {
	return NewRunner(testLogger(), reg, tok, fet, ld, 3, 1000)
}

func egvRecord(ts string) dexcom.RawRecord {
	return dexcom.RawRecord{"systemTime": ts, "value": 100.0}
}

func TestRun_MixedOutcomesIsolated(t *testing.T) {
	// user a unauthorized, user b fetch fails, user c returns 2 records
	reg := &fakeRegistry{identities: []string{"a", "b", "c"}}
	tok := &fakeTokens{unauthorized: map[string]bool{"a": true}}
	fet := &fakeFetcher{
		fail: map[string]error{"b": errors.New("vendor api: timeout")},
		records: map[string][]dexcom.RawRecord{
			"c": {egvRecord("2024-01-01T08:00:00"), egvRecord("2024-01-01T08:05:00")},
		},
	}
	ld := &fakeLoader{}

	summary, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(summary.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(summary.Results))
	}
	byIdentity := map[string]Status{}
	for _, r := range summary.Results {
		byIdentity[r.Identity] = r.Status
	}
	if byIdentity["a"] != StatusUnauthorized {
		t.Errorf("user a = %s, want unauthorized", byIdentity["a"])
	}
	if byIdentity["b"] != StatusTransportError {
		t.Errorf("user b = %s, want transport_error", byIdentity["b"])
	}
	if byIdentity["c"] != StatusSuccess {
		t.Errorf("user c = %s, want success", byIdentity["c"])
	}

	if ld.calls != 1 {
		t.Fatalf("loader invoked %d times, want exactly 1", ld.calls)
	}
	if len(ld.batches[0]) != 2 {
		t.Fatalf("batch has %d rows, want 2 (user c only)", len(ld.batches[0]))
	}
	for _, row := range ld.batches[0] {
		if row[0] != "c" {
			t.Errorf("batch contains row for %v, want only c", row[0])
		}
	}
	if summary.RowsLoaded != 2 {
		t.Errorf("rows loaded = %d, want 2", summary.RowsLoaded)
	}
}

func TestRun_UnauthorizedUserNeverFetched(t *testing.T) {
	reg := &fakeRegistry{identities: []string{"ghost"}}
	tok := &fakeTokens{unauthorized: map[string]bool{"ghost": true}}
	fet := &fakeFetcher{}
	ld := &fakeLoader{}

	_, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(fet.calls) != 0 {
		t.Fatalf("fetcher called for unauthorized user: %v", fet.calls)
	}
}

func TestRun_EmptyResultSkipsUserNotRun(t *testing.T) {
	reg := &fakeRegistry{identities: []string{"quiet"}}
	tok := &fakeTokens{}
	fet := &fakeFetcher{records: map[string][]dexcom.RawRecord{"quiet": {}}}
	ld := &fakeLoader{}

	summary, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Results[0].Status != StatusEmpty {
		t.Errorf("status = %s, want empty_result", summary.Results[0].Status)
	}
	if len(ld.batches[0]) != 0 {
		t.Errorf("empty-result user contributed rows to the batch")
	}
}

func TestRun_ExplicitDateWindowPropagates(t *testing.T) {
	reg := &fakeRegistry{identities: []string{"a", "b"}}
	tok := &fakeTokens{}
	fet := &fakeFetcher{}
	ld := &fakeLoader{}

	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{Date: &date})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(fet.windows) != 2 {
		t.Fatalf("expected 2 fetches, got %d", len(fet.windows))
	}
	for _, w := range fet.windows {
		if w.StartDate() != "2024-01-01" || w.EndDate() != "2024-01-02" {
			t.Errorf("window [%s, %s), want [2024-01-01, 2024-01-02)", w.StartDate(), w.EndDate())
		}
	}
}

func TestRun_UserNarrowingOnlyWhenRegistered(t *testing.T) {
	reg := &fakeRegistry{identities: []string{"a", "b", "c"}}

	t.Run("registered user narrows the run", func(t *testing.T) {
		tok := &fakeTokens{}
		fet := &fakeFetcher{}
		ld := &fakeLoader{}
		summary, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{User: "b"})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if len(summary.Results) != 1 || summary.Results[0].Identity != "b" {
			t.Fatalf("results = %+v, want only b", summary.Results)
		}
	})

	t.Run("unknown user leaves the run unrestricted", func(t *testing.T) {
		tok := &fakeTokens{}
		fet := &fakeFetcher{}
		ld := &fakeLoader{}
		summary, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{User: "nobody"})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if len(summary.Results) != 3 {
			t.Fatalf("expected all 3 users, got %d", len(summary.Results))
		}
	})
}

func TestRun_LoaderErrorIsRunOutcome(t *testing.T) {
	reg := &fakeRegistry{identities: []string{"a"}}
	tok := &fakeTokens{}
	fet := &fakeFetcher{records: map[string][]dexcom.RawRecord{"a": {egvRecord("2024-01-01T08:00:00")}}}
	ld := &fakeLoader{err: errors.New("quota exceeded")}

	summary, err := newTestRunner(reg, tok, fet, ld).Run(context.Background(), dexcom.EGVs, Options{})
	if err == nil {
		t.Fatal("expected loader error to surface as run outcome")
	}
	// per-user results recorded before the load are not rolled back
	if len(summary.Results) != 1 || summary.Results[0].Status != StatusSuccess {
		t.Fatalf("per-user results lost on load failure: %+v", summary.Results)
	}
}

func TestRun_RerunProducesDuplicates(t *testing.T) {
	// the pipeline itself never deduplicates; two runs for the same
	// (endpoint, date, user) hand the sink two identical batches
	reg := &fakeRegistry{identities: []string{"a"}}
	fet := &fakeFetcher{records: map[string][]dexcom.RawRecord{"a": {egvRecord("2024-01-01T08:00:00")}}}
	ld := &fakeLoader{}
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r := newTestRunner(reg, &fakeTokens{}, fet, ld)
	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background(), dexcom.EGVs, Options{Date: &date}); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	total := 0
	for _, b := range ld.batches {
		total += len(b)
	}
	if total != 2 {
		t.Fatalf("expected 2 rows across reruns (duplicates kept), got %d", total)
	}
}

func TestRun_CancelledRunDoesNotLoad(t *testing.T) {
	reg := &fakeRegistry{identities: []string{"a", "b", "c"}}
	tok := &fakeTokens{}
	fet := &fakeFetcher{}
	ld := &fakeLoader{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestRunner(reg, tok, fet, ld).Run(ctx, dexcom.EGVs, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ld.calls != 0 {
		t.Fatalf("cancelled run must not load, loader called %d times", ld.calls)
	}
}
