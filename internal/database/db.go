package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Alias1177/backtester/internal/model"
)

// ErrDuplicateRun is returned when a report with the same run ID is stored twice.
var ErrDuplicateRun = errors.New("walk-forward run already stored")

// DB represents a database connection
type DB struct {
	*sqlx.DB
	timeout time.Duration
}

// ConnectionParams holds PostgreSQL connection parameters
type ConnectionParams struct {
	DSN     string
	Timeout time.Duration
}

// New creates a new database connection
func New(ctx context.Context, params ConnectionParams) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", params.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := Wrap(db.DB, params.Timeout)
	// Create tables if they don't exist
	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Wrap adopts an open connection, e.g. one from go-sqlmock.
func Wrap(db *sql.DB, timeout time.Duration) *DB {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DB{DB: sqlx.NewDb(db, "postgres"), timeout: timeout}
}

// createTables creates the necessary tables if they don't exist
func (db *DB) createTables(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wf_runs (
			run_id UUID PRIMARY KEY,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			windows INTEGER NOT NULL,
			skipped_windows INTEGER NOT NULL,
			avg_is_return DOUBLE PRECISION NOT NULL,
			avg_oos_return DOUBLE PRECISION NOT NULL,
			efficiency DOUBLE PRECISION NOT NULL,
			oos_win_rate DOUBLE PRECISION NOT NULL,
			params_stable BOOLEAN NOT NULL,
			param_std_dev JSONB,
			partial BOOLEAN NOT NULL,
			verdict TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create wf_runs: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wf_windows (
			run_id UUID NOT NULL REFERENCES wf_runs(run_id) ON DELETE CASCADE,
			window_index INTEGER NOT NULL,
			test_from TIMESTAMPTZ NOT NULL,
			test_to TIMESTAMPTZ NOT NULL,
			regime TEXT NOT NULL,
			params JSONB,
			is_return DOUBLE PRECISION NOT NULL,
			is_sharpe DOUBLE PRECISION,
			oos_return DOUBLE PRECISION NOT NULL,
			oos_sharpe DOUBLE PRECISION,
			oos_max_drawdown DOUBLE PRECISION NOT NULL,
			oos_trades INTEGER NOT NULL,
			skipped BOOLEAN NOT NULL,
			skip_reason TEXT,
			PRIMARY KEY (run_id, window_index)
		)
	`)
	if err != nil {
		return fmt.Errorf("create wf_windows: %w", err)
	}
	return nil
}

// RunRow is one stored walk-forward run.
type RunRow struct {
	RunID          uuid.UUID      `db:"run_id"`
	Symbol         string         `db:"symbol"`
	Strategy       string         `db:"strategy"`
	CreatedAt      time.Time      `db:"created_at"`
	Windows        int            `db:"windows"`
	SkippedWindows int            `db:"skipped_windows"`
	AvgISReturn    float64        `db:"avg_is_return"`
	AvgOOSReturn   float64        `db:"avg_oos_return"`
	Efficiency     float64        `db:"efficiency"`
	OOSWinRate     float64        `db:"oos_win_rate"`
	ParamsStable   bool           `db:"params_stable"`
	ParamStdDev    sql.NullString `db:"param_std_dev"` // JSON
	Partial        bool           `db:"partial"`
	Verdict        string         `db:"verdict"`
}

// WindowRow is one stored window of a run. Undefined Sharpe ratios are NULL.
type WindowRow struct {
	RunID          uuid.UUID       `db:"run_id"`
	Index          int             `db:"window_index"`
	TestFrom       time.Time       `db:"test_from"`
	TestTo         time.Time       `db:"test_to"`
	Regime         string          `db:"regime"`
	Params         sql.NullString  `db:"params"` // JSON
	ISReturn       float64         `db:"is_return"`
	ISSharpe       sql.NullFloat64 `db:"is_sharpe"`
	OOSReturn      float64         `db:"oos_return"`
	OOSSharpe      sql.NullFloat64 `db:"oos_sharpe"`
	OOSMaxDrawdown float64         `db:"oos_max_drawdown"`
	OOSTrades      int             `db:"oos_trades"`
	Skipped        bool            `db:"skipped"`
	SkipReason     sql.NullString  `db:"skip_reason"`
}

const insertRun = `
	INSERT INTO wf_runs (
		run_id, symbol, strategy, created_at, windows, skipped_windows,
		avg_is_return, avg_oos_return, efficiency, oos_win_rate,
		params_stable, param_std_dev, partial, verdict
	) VALUES (
		:run_id, :symbol, :strategy, :created_at, :windows, :skipped_windows,
		:avg_is_return, :avg_oos_return, :efficiency, :oos_win_rate,
		:params_stable, :param_std_dev, :partial, :verdict
	)`

const insertWindow = `
	INSERT INTO wf_windows (
		run_id, window_index, test_from, test_to, regime, params,
		is_return, is_sharpe, oos_return, oos_sharpe, oos_max_drawdown, oos_trades,
		skipped, skip_reason
	) VALUES (
		:run_id, :window_index, :test_from, :test_to, :regime, :params,
		:is_return, :is_sharpe, :oos_return, :oos_sharpe, :oos_max_drawdown, :oos_trades,
		:skipped, :skip_reason
	)`

// SaveReport stores a report and its windows in one transaction.
func (db *DB) SaveReport(ctx context.Context, r *model.Report) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	run, windows, err := rows(r)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertRun, run); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, r.RunID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	for _, w := range windows {
		if _, err := tx.NamedExecContext(ctx, insertWindow, w); err != nil {
			return fmt.Errorf("insert window %d: %w", w.Index, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs for symbol, newest first.
func (db *DB) ListRuns(ctx context.Context, symbol string, limit int) ([]RunRow, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var out []RunRow
	err := db.SelectContext(ctx, &out, `
		SELECT run_id, symbol, strategy, created_at, windows, skipped_windows,
			avg_is_return, avg_oos_return, efficiency, oos_win_rate,
			params_stable, param_std_dev, partial, verdict
		FROM wf_runs
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Windows returns the stored windows of a run in window order.
func (db *DB) Windows(ctx context.Context, runID uuid.UUID) ([]WindowRow, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	var out []WindowRow
	err := db.SelectContext(ctx, &out, `
		SELECT run_id, window_index, test_from, test_to, regime, params,
			is_return, is_sharpe, oos_return, oos_sharpe, oos_max_drawdown, oos_trades,
			skipped, skip_reason
		FROM wf_windows
		WHERE run_id = $1
		ORDER BY window_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	return out, nil
}

func rows(r *model.Report) (RunRow, []WindowRow, error) {
	std, err := finiteJSON(r.ParamStdDev)
	if err != nil {
		return RunRow{}, nil, err
	}
	run := RunRow{
		RunID:          r.RunID,
		Symbol:         r.Symbol,
		Strategy:       r.Strategy,
		CreatedAt:      r.CreatedAt,
		Windows:        len(r.Windows),
		SkippedWindows: r.SkippedWindows,
		AvgISReturn:    r.AvgISReturn,
		AvgOOSReturn:   r.AvgOOSReturn,
		Efficiency:     r.Efficiency,
		OOSWinRate:     r.OOSWinRate,
		ParamsStable:   r.ParamsStable,
		ParamStdDev:    std,
		Partial:        r.Partial,
		Verdict:        r.Verdict(),
	}

	windows := make([]WindowRow, 0, len(r.Windows))
	for _, w := range r.Windows {
		params, err := finiteJSON(w.Params)
		if err != nil {
			return RunRow{}, nil, err
		}
		windows = append(windows, WindowRow{
			RunID:          r.RunID,
			Index:          w.Index,
			TestFrom:       w.TestFrom,
			TestTo:         w.TestTo,
			Regime:         string(w.Regime),
			Params:         params,
			ISReturn:       w.InSample.TotalReturn,
			ISSharpe:       nullable(w.InSample.SharpeRatio),
			OOSReturn:      w.OutOfSample.TotalReturn,
			OOSSharpe:      nullable(w.OutOfSample.SharpeRatio),
			OOSMaxDrawdown: w.OutOfSample.MaxDrawdown,
			OOSTrades:      w.OutOfSample.TradeCount,
			Skipped:        w.Skipped,
			SkipReason:     sql.NullString{String: w.SkipReason, Valid: w.SkipReason != ""},
		})
	}
	return run, windows, nil
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// finiteJSON encodes m with non-finite values as null; nil stays SQL NULL.
func finiteJSON(m map[string]float64) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	out := make(map[string]*float64, len(m))
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = nil
			continue
		}
		v := v
		out[k] = &v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode params: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
