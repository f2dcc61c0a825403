package warehouse

import (
	"context"
	"log/slog"
	"testing"

	"github.com/lila/deviceconnect/internal/dexcom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLoad_EmptyBatchNeverTouchesDatabase(t *testing.T) {
	// nil pool: any database call would panic, which is the point
	l := NewLoader(testLogger(), &DB{}, "dexcom", "proj", false)

	n, err := l.Load(context.Background(), dexcom.EGVs, nil)
	if err != nil {
		t.Fatalf("empty batch must be a no-op: %v", err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0", n)
	}
}

func TestSQLType_Mapping(t *testing.T) {
	tests := []struct {
		in   dexcom.ColumnType
		want string
	}{
		{dexcom.TypeString, "text"},
		{dexcom.TypeDate, "date"},
		{dexcom.TypeDatetime, "timestamp"},
		{dexcom.TypeFloat, "double precision"},
		{dexcom.TypeInteger, "bigint"},
	}
	for _, tt := range tests {
		if got := sqlType(tt.in); got != tt.want {
			t.Errorf("sqlType(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuoteJoin(t *testing.T) {
	got := quoteJoin([]string{"id", "date", "system_time"})
	want := `"id", "date", "system_time"`
	if got != want {
		t.Errorf("quoteJoin = %s, want %s", got, want)
	}
}

func TestRowSource_IteratesInOrder(t *testing.T) {
	rows := []dexcom.Row{
		{"a", "2024-01-01", 1.0},
		{"b", "2024-01-01", 2.0},
	}
	src := &rowSource{rows: rows}

	var seen []any
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			t.Fatalf("values: %v", err)
		}
		seen = append(seen, vals[0])
	}

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("iteration order = %v", seen)
	}
	if src.Err() != nil {
		t.Fatalf("err = %v", src.Err())
	}
}
