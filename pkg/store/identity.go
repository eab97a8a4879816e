package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IdentityRecord is one seeded asset identity. Manifests are YAML lists of
// these records.
type IdentityRecord struct {
	CommonSymbol string `yaml:"common_symbol" json:"common_symbol"`
	FIGI         string `yaml:"figi" json:"figi,omitempty"`
	Name         string `yaml:"name" json:"name,omitempty"`
	AssetClass   string `yaml:"asset_class" json:"asset_class,omitempty"`
	Country      string `yaml:"country" json:"country,omitempty"`
}

// CountIdentities reports the number of rows in asset_identity.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM asset_identity`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: identity count failed: %w", err)
	}
	return n, nil
}

// InsertIdentity inserts one identity record, keeping any existing row.
func (s *Store) InsertIdentity(ctx context.Context, rec IdentityRecord) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO asset_identity (common_symbol, figi, name, asset_class, country)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (common_symbol) DO NOTHING`

	if _, err := db.ExecContext(ctx, q, rec.CommonSymbol, rec.FIGI, rec.Name, rec.AssetClass, rec.Country); err != nil {
		return fmt.Errorf("store: identity insert for %s failed: %w", rec.CommonSymbol, err)
	}
	return nil
}

// SeedIdentities loads YAML manifests from dir into asset_identity when the
// table is empty. A missing directory or an invalid manifest logs a warning
// and continues; seeding is never fatal to startup.
func (s *Store) SeedIdentities(ctx context.Context, dir string) (int, error) {
	n, err := s.CountIdentities(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.DebugContext(ctx, "identity seeding skipped", "existing", n)
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.WarnContext(ctx, "identity manifest directory unreadable", "dir", dir, "error", err)
		return 0, nil
	}

	inserted := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			s.log.WarnContext(ctx, "identity manifest unreadable", "file", path, "error", err)
			continue
		}

		var records []IdentityRecord
		if err := yaml.Unmarshal(raw, &records); err != nil {
			s.log.WarnContext(ctx, "identity manifest invalid", "file", path, "error", err)
			continue
		}

		fileInserted := 0
		for _, rec := range records {
			if rec.CommonSymbol == "" {
				s.log.WarnContext(ctx, "identity record missing common_symbol", "file", path)
				continue
			}
			if err := s.InsertIdentity(ctx, rec); err != nil {
				s.log.WarnContext(ctx, "identity insert failed", "file", path, "symbol", rec.CommonSymbol, "error", err)
				continue
			}
			fileInserted++
		}
		inserted += fileInserted
		s.log.InfoContext(ctx, "identity manifest applied", "file", name, "records", fileInserted)
	}
	return inserted, nil
}
