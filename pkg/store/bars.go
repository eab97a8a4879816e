package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// Bar tables. Both share the 9-column tuple layout.
const (
	TableHistorical = "historical_data"
	TableLive       = "live_data"
)

var barColumns = []string{"ts", "sym", "provider", "interval", "o", "h", "l", "c", "v"}

// InsertBars bulk-loads one batch of bars into table using COPY. The batch
// is a single transaction: either every bar lands or none do. Duplicate
// suppression is the time-series engine's post-ingest concern.
func (s *Store) InsertBars(ctx context.Context, table string, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if table != TableHistorical && table != TableLive {
		return fmt.Errorf("store: unknown bar table %q", table)
	}

	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin copy transaction: %w", err)
	}

	if err := copyBars(ctx, tx, table, bars); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit %d bars into %s: %w", len(bars), table, err)
	}
	s.log.DebugContext(ctx, "bars flushed", "table", table, "count", len(bars))
	return nil
}

func copyBars(ctx context.Context, tx *sql.Tx, table string, bars []market.Bar) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, barColumns...))
	if err != nil {
		return fmt.Errorf("store: failed to prepare copy into %s: %w", table, err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx,
			b.Ts.UTC(), b.Symbol, b.Provider, string(b.Interval),
			b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return fmt.Errorf("store: copy row for %s failed: %w", b.Symbol, err)
		}
	}

	// Empty exec flushes the COPY stream.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("store: copy flush into %s failed: %w", table, err)
	}
	return nil
}
