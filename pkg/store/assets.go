package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// AssetStats summarizes one upsert sweep over a provider's symbol listing.
type AssetStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// UpsertAssets writes a provider's symbol listing into the assets table
// through a prepared upsert. The xmax sentinel distinguishes a fresh insert
// (xmax = 0) from an update of an existing row. Per-row failures are counted
// and logged, never fatal to the sweep.
func (s *Store) UpsertAssets(ctx context.Context, className, classType string, infos []market.SymbolInfo) (AssetStats, error) {
	var stats AssetStats

	db, err := s.handle()
	if err != nil {
		return stats, err
	}

	const q = `
		INSERT INTO assets (class_name, class_type, symbol, external_id, isin, name, exchange, asset_class, base_currency, quote_currency, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (class_name, class_type, symbol) DO UPDATE SET
			external_id    = EXCLUDED.external_id,
			isin           = EXCLUDED.isin,
			name           = EXCLUDED.name,
			exchange       = EXCLUDED.exchange,
			asset_class    = EXCLUDED.asset_class,
			base_currency  = EXCLUDED.base_currency,
			quote_currency = EXCLUDED.quote_currency,
			country        = EXCLUDED.country
		RETURNING (xmax = 0) AS inserted`

	stmt, err := db.PrepareContext(ctx, q)
	if err != nil {
		return stats, fmt.Errorf("store: failed to prepare asset upsert: %w", err)
	}
	defer stmt.Close()

	for _, info := range infos {
		if info.Symbol == "" {
			stats.Failed++
			continue
		}
		var inserted bool
		err := stmt.QueryRowContext(ctx,
			className, classType, info.Symbol, info.ExternalID, info.ISIN, info.Name,
			info.Exchange, info.AssetClass, info.BaseCurrency, info.QuoteCurrency, info.Country,
		).Scan(&inserted)
		if err != nil {
			stats.Failed++
			s.log.WarnContext(ctx, "asset upsert failed",
				"class_name", className, "symbol", info.Symbol, "error", err)
			continue
		}
		if inserted {
			stats.Added++
		} else {
			stats.Updated++
		}
	}
	return stats, nil
}

// AssetMapping links a provider-local symbol to a common identity.
type AssetMapping struct {
	CommonSymbol string `json:"common_symbol"`
	ClassName    string `json:"class_name"`
	ClassType    string `json:"class_type"`
	ClassSymbol  string `json:"class_symbol"`
	IsActive     bool   `json:"is_active"`
}

// CreateAssetMapping inserts a mapping; an existing row under the same
// composite key yields ErrExists.
func (s *Store) CreateAssetMapping(ctx context.Context, m AssetMapping) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO asset_mapping (common_symbol, class_name, class_type, class_symbol, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (common_symbol, class_name, class_type, class_symbol) DO NOTHING`

	res, err := db.ExecContext(ctx, q, m.CommonSymbol, m.ClassName, m.ClassType, m.ClassSymbol, m.IsActive)
	if err != nil {
		return fmt.Errorf("store: asset mapping insert failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: mapping %s/%s/%s/%s", ErrExists, m.CommonSymbol, m.ClassName, m.ClassType, m.ClassSymbol)
	}
	return nil
}

// ListAssetMappings returns all mappings ordered by common symbol.
func (s *Store) ListAssetMappings(ctx context.Context) ([]AssetMapping, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT common_symbol, class_name, class_type, class_symbol, is_active
		FROM asset_mapping
		ORDER BY common_symbol, class_name, class_type, class_symbol`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: asset mapping list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AssetMapping
	for rows.Next() {
		var m AssetMapping
		if err := rows.Scan(&m.CommonSymbol, &m.ClassName, &m.ClassType, &m.ClassSymbol, &m.IsActive); err != nil {
			return nil, fmt.Errorf("store: asset mapping scan failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: asset mapping iteration failed: %w", err)
	}
	return out, nil
}

// GetAssetMapping looks up one mapping by its composite key.
func (s *Store) GetAssetMapping(ctx context.Context, commonSymbol, className, classType, classSymbol string) (*AssetMapping, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT common_symbol, class_name, class_type, class_symbol, is_active
		FROM asset_mapping
		WHERE common_symbol = $1 AND class_name = $2 AND class_type = $3 AND class_symbol = $4`

	var m AssetMapping
	err = db.QueryRowContext(ctx, q, commonSymbol, className, classType, classSymbol).
		Scan(&m.CommonSymbol, &m.ClassName, &m.ClassType, &m.ClassSymbol, &m.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mapping %s/%s/%s/%s", ErrNotFound, commonSymbol, className, classType, classSymbol)
	}
	if err != nil {
		return nil, fmt.Errorf("store: asset mapping lookup failed: %w", err)
	}
	return &m, nil
}

// UpdateAssetMapping sets the is_active flag on an existing mapping.
func (s *Store) UpdateAssetMapping(ctx context.Context, m AssetMapping) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `
		UPDATE asset_mapping SET is_active = $1
		WHERE common_symbol = $2 AND class_name = $3 AND class_type = $4 AND class_symbol = $5`

	res, err := db.ExecContext(ctx, q, m.IsActive, m.CommonSymbol, m.ClassName, m.ClassType, m.ClassSymbol)
	if err != nil {
		return fmt.Errorf("store: asset mapping update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: mapping %s/%s/%s/%s", ErrNotFound, m.CommonSymbol, m.ClassName, m.ClassType, m.ClassSymbol)
	}
	return nil
}

// DeleteAssetMapping removes a mapping by its composite key.
func (s *Store) DeleteAssetMapping(ctx context.Context, commonSymbol, className, classType, classSymbol string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `
		DELETE FROM asset_mapping
		WHERE common_symbol = $1 AND class_name = $2 AND class_type = $3 AND class_symbol = $4`

	res, err := db.ExecContext(ctx, q, commonSymbol, className, classType, classSymbol)
	if err != nil {
		return fmt.Errorf("store: asset mapping delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: mapping %s/%s/%s/%s", ErrNotFound, commonSymbol, className, classType, classSymbol)
	}
	return nil
}
