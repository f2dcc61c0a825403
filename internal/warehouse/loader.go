package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lila/deviceconnect/internal/dexcom"
)

// Loader appends normalized batches to destination tables. One Load call is
// one bulk append: it never updates or deletes existing rows, and the whole
// batch fails atomically. With Dedupe enabled and a dedupe key declared on the
// endpoint, re-running the same window silently drops rows already present;
// otherwise re-runs produce duplicates, which is the documented default.
type Loader struct {
	db      *DB
	dataset string
	project string // label carried into load logs, matching upstream job attribution
	dedupe  bool
	log     *slog.Logger
}

func NewLoader(log *slog.Logger, db *DB, dataset, project string, dedupe bool) *Loader {
	return &Loader{
		db:      db,
		dataset: dataset,
		project: project,
		dedupe:  dedupe,
		log:     log,
	}
}

// Load bulk-appends rows to spec's destination table, returning the number of
// rows written. An empty batch is a no-op and never reaches the database.
func (l *Loader) Load(ctx context.Context, spec dexcom.EndpointSpec, rows []dexcom.Row) (int, error) {
	if len(rows) == 0 {
		l.log.Debug("load_skipped_empty_batch", "table", spec.Table)
		return 0, nil
	}

	if err := l.ensureTable(ctx, spec); err != nil {
		return 0, fmt.Errorf("ensure table %s: %w", spec.Table, err)
	}

	columns := spec.ColumnNames()
	start := time.Now()

	var written int64
	var err error
	if l.dedupe && len(spec.DedupeKey) > 0 {
		written, err = l.dedupedAppend(ctx, spec, columns, rows)
	} else {
		written, err = l.db.Pool.CopyFrom(
			ctx,
			pgx.Identifier{l.dataset, spec.Table},
			columns,
			&rowSource{rows: rows},
		)
	}
	elapsed := time.Since(start)

	if err != nil {
		l.log.Error("batch_load_failed",
			"table", spec.Table,
			"project", l.project,
			"rows", len(rows),
			"error", err,
		)
		return 0, fmt.Errorf("load %d rows into %s: %w", len(rows), spec.Table, err)
	}

	l.log.Info("batch_load_complete",
		"table", spec.Table,
		"project", l.project,
		"rows", written,
		"elapsed", elapsed.String(),
	)
	return int(written), nil
}

// dedupedAppend copies the batch into a transaction-scoped staging table and
// inserts from there with ON CONFLICT DO NOTHING over the endpoint's key.
func (l *Loader) dedupedAppend(ctx context.Context, spec dexcom.EndpointSpec, columns []string, rows []dexcom.Row) (int64, error) {
	tx, err := l.db.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	target := pgx.Identifier{l.dataset, spec.Table}.Sanitize()
	staging := pgx.Identifier{"staging_" + spec.Name}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
		staging.Sanitize(), target,
	)); err != nil {
		return 0, err
	}

	if _, err := tx.CopyFrom(ctx, staging, columns, &rowSource{rows: rows}); err != nil {
		return 0, err
	}

	colList := quoteJoin(columns)
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING`,
		target, colList, colList, staging.Sanitize(), quoteJoin(spec.DedupeKey),
	))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ensureTable creates the schema and destination table from the declared
// column types, so the sink enforces types instead of inferring them.
func (l *Loader) ensureTable(ctx context.Context, spec dexcom.EndpointSpec) error {
	if _, err := l.db.Pool.Exec(ctx, fmt.Sprintf(
		`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{l.dataset}.Sanitize(),
	)); err != nil {
		return err
	}

	defs := []string{
		`"id" text NOT NULL`,
		`"date" date NOT NULL`,
	}
	for _, c := range spec.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", pgx.Identifier{c.Name()}.Sanitize(), sqlType(c.Type)))
	}

	target := pgx.Identifier{l.dataset, spec.Table}.Sanitize()
	if _, err := l.db.Pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s)`, target, strings.Join(defs, ", "),
	)); err != nil {
		return err
	}

	// the conflict target for deduped appends needs a unique index
	if l.dedupe && len(spec.DedupeKey) > 0 {
		idx := pgx.Identifier{spec.Table + "_dedupe_key"}.Sanitize()
		if _, err := l.db.Pool.Exec(ctx, fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)`,
			idx, target, quoteJoin(spec.DedupeKey),
		)); err != nil {
			return err
		}
	}
	return nil
}

func sqlType(t dexcom.ColumnType) string {
	switch t {
	case dexcom.TypeDate:
		return "date"
	case dexcom.TypeDatetime:
		return "timestamp"
	case dexcom.TypeFloat:
		return "double precision"
	case dexcom.TypeInteger:
		return "bigint"
	default:
		return "text"
	}
}

func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// rowSource adapts a normalized batch to pgx.CopyFromSource.
type rowSource struct {
	rows  []dexcom.Row
	index int
}

func (r *rowSource) Next() bool {
	r.index++
	return r.index <= len(r.rows)
}

func (r *rowSource) Values() ([]any, error) {
	return r.rows[r.index-1], nil
}

func (r *rowSource) Err() error {
	return nil
}
