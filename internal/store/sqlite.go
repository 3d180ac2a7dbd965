// Package store archives terminal execution results and plan summaries so
// the reporting side can reconstruct any rebalance after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"rebalancer/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_results (
	order_id        TEXT PRIMARY KEY,
	plan_id         TEXT NOT NULL,
	correlation_id  TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	filled_quantity TEXT NOT NULL,
	status          TEXT NOT NULL,
	final_price     TEXT NOT NULL,
	anchor_price    TEXT NOT NULL,
	strategy_tag    TEXT NOT NULL,
	repeg_count     INTEGER NOT NULL,
	error_kind      TEXT NOT NULL,
	error_message   TEXT NOT NULL,
	completed_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_plan ON execution_results(plan_id);

CREATE TABLE IF NOT EXISTS plan_summaries (
	plan_id           TEXT PRIMARY KEY,
	correlation_id    TEXT NOT NULL,
	phase             TEXT NOT NULL,
	filled_value      TEXT NOT NULL,
	failed_sell_value TEXT NOT NULL,
	threshold_usd     TEXT NOT NULL,
	completed_at      TIMESTAMP NOT NULL
);
`

// SQLiteStore implements core.IResultStore.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

func NewSQLiteStore(path string, logger core.ILogger) (*SQLiteStore, error) {
	// WAL keeps archive writes off the execution path's critical section.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "result_archive"),
	}, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, r *core.ExecutionResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO execution_results (
			order_id, plan_id, correlation_id, symbol, side,
			quantity, filled_quantity, status, final_price, anchor_price,
			strategy_tag, repeg_count, error_kind, error_message, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OrderID, r.PlanID, r.CorrelationID, r.Symbol, string(r.Side),
		r.Quantity.String(), r.FilledQuantity.String(), string(r.Status),
		r.FinalPrice.String(), r.AnchorPrice.String(),
		r.StrategyTag, r.RepegCount, string(r.ErrorKind), r.ErrorMessage, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SavePlanSummary(ctx context.Context, p *core.PlanSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO plan_summaries (
			plan_id, correlation_id, phase, filled_value,
			failed_sell_value, threshold_usd, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.PlanID, p.CorrelationID, string(p.Phase), p.FilledValue.String(),
		p.FailedSellValue.String(), p.ThresholdUSD.String(), p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive plan summary: %w", err)
	}
	return nil
}

// PlanResults loads every archived result for a plan, oldest first.
func (s *SQLiteStore) PlanResults(ctx context.Context, planID string) ([]*core.ExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, plan_id, correlation_id, symbol, side,
		       quantity, filled_quantity, status, final_price, anchor_price,
		       strategy_tag, repeg_count, error_kind, error_message, completed_at
		FROM execution_results WHERE plan_id = ? ORDER BY completed_at`,
		planID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*core.ExecutionResult
	for rows.Next() {
		var (
			r                                  core.ExecutionResult
			side, status, kind                 string
			qty, filled, finalPrice, anchor    string
			completedAt                        time.Time
		)
		if err := rows.Scan(
			&r.OrderID, &r.PlanID, &r.CorrelationID, &r.Symbol, &side,
			&qty, &filled, &status, &finalPrice, &anchor,
			&r.StrategyTag, &r.RepegCount, &kind, &r.ErrorMessage, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Side = core.OrderSide(side)
		r.Status = core.OrderStatus(status)
		r.ErrorKind = core.ErrorKind(kind)
		r.CompletedAt = completedAt
		if r.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if r.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
			return nil, err
		}
		if r.FinalPrice, err = decimal.NewFromString(finalPrice); err != nil {
			return nil, err
		}
		if r.AnchorPrice, err = decimal.NewFromString(anchor); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
