package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Registered class types. Uploads naming any other type are rejected.
const (
	ClassTypeProvider = "provider"
	ClassTypeBroker   = "broker"
)

// KnownClassType reports whether t is an allow-listed class type.
func KnownClassType(t string) bool {
	return t == ClassTypeProvider || t == ClassTypeBroker
}

// Registration is one code_registry row: a registered dynamic-code artifact
// together with its integrity hash and encrypted credential envelope.
type Registration struct {
	ClassName    string
	ClassType    string
	ClassSubtype string
	FilePath     string
	// FileHash is the hex SHA-256 of the artifact at registration time.
	FileHash string
	// Nonce and Ciphertext are the AEAD credential envelope; empty when no
	// secrets are stored.
	Nonce      []byte
	Ciphertext []byte
	// Preferences is the canonical JSON preference document.
	Preferences []byte
	UploadedAt  time.Time
}

const registrationColumns = `class_name, class_type, class_subtype, file_path, file_hash, nonce, ciphertext, preferences, uploaded_at`

// UpsertRegistration inserts a registration or replaces an existing one
// under the same (class_name, class_type).
func (s *Store) UpsertRegistration(ctx context.Context, reg *Registration) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO code_registry (class_name, class_type, class_subtype, file_path, file_hash, nonce, ciphertext, preferences, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (class_name, class_type) DO UPDATE SET
			class_subtype = EXCLUDED.class_subtype,
			file_path     = EXCLUDED.file_path,
			file_hash     = EXCLUDED.file_hash,
			nonce         = EXCLUDED.nonce,
			ciphertext    = EXCLUDED.ciphertext,
			preferences   = EXCLUDED.preferences,
			uploaded_at   = EXCLUDED.uploaded_at`

	_, err = db.ExecContext(ctx, q,
		reg.ClassName, reg.ClassType, reg.ClassSubtype, reg.FilePath, reg.FileHash,
		reg.Nonce, reg.Ciphertext, string(reg.Preferences), reg.UploadedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: registration upsert for %s/%s failed: %w", reg.ClassType, reg.ClassName, err)
	}
	return nil
}

func scanRegistration(row interface{ Scan(...any) error }) (*Registration, error) {
	var reg Registration
	var prefs sql.NullString
	err := row.Scan(&reg.ClassName, &reg.ClassType, &reg.ClassSubtype, &reg.FilePath,
		&reg.FileHash, &reg.Nonce, &reg.Ciphertext, &prefs, &reg.UploadedAt)
	if err != nil {
		return nil, err
	}
	if prefs.Valid {
		reg.Preferences = []byte(prefs.String)
	}
	return &reg, nil
}

// GetRegistration looks up one registration by its composite key.
func (s *Store) GetRegistration(ctx context.Context, className, classType string) (*Registration, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + registrationColumns + ` FROM code_registry WHERE class_name = $1 AND class_type = $2`
	reg, err := scanRegistration(db.QueryRowContext(ctx, q, className, classType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: registration %s/%s", ErrNotFound, classType, className)
	}
	if err != nil {
		return nil, fmt.Errorf("store: registration lookup for %s/%s failed: %w", classType, className, err)
	}
	return reg, nil
}

// ProviderRegistration looks up a provider-class registration by name. The
// loader resolves subscription rows through this.
func (s *Store) ProviderRegistration(ctx context.Context, className string) (*Registration, error) {
	return s.GetRegistration(ctx, className, ClassTypeProvider)
}

// ProviderPrefs returns the provider's preference document, parsed. The
// collectors read this at fire time so configuration changes apply on the
// next fire.
func (s *Store) ProviderPrefs(ctx context.Context, className string) (map[string]map[string]any, error) {
	reg, err := s.ProviderRegistration(ctx, className)
	if err != nil {
		return nil, err
	}
	if len(reg.Preferences) == 0 {
		return nil, nil
	}
	var doc map[string]map[string]any
	if err := json.Unmarshal(reg.Preferences, &doc); err != nil {
		return nil, fmt.Errorf("store: preferences of %s are malformed: %w", className, err)
	}
	return doc, nil
}

// ListRegistrations returns every registration ordered by type then name.
func (s *Store) ListRegistrations(ctx context.Context) ([]Registration, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + registrationColumns + ` FROM code_registry ORDER BY class_type, class_name`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: registration list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("store: registration scan failed: %w", err)
		}
		out = append(out, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: registration iteration failed: %w", err)
	}
	return out, nil
}

// UpdatePreferences replaces the stored preference document.
func (s *Store) UpdatePreferences(ctx context.Context, className, classType string, preferences []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `UPDATE code_registry SET preferences = $1 WHERE class_name = $2 AND class_type = $3`
	res, err := db.ExecContext(ctx, q, string(preferences), className, classType)
	if err != nil {
		return fmt.Errorf("store: preference update for %s/%s failed: %w", classType, className, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: registration %s/%s", ErrNotFound, classType, className)
	}
	return nil
}

// UpdateCredentials replaces the credential envelope with a freshly sealed
// one. Both columns change together; the old nonce is never reused.
func (s *Store) UpdateCredentials(ctx context.Context, className, classType string, nonce, ciphertext []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	const q = `UPDATE code_registry SET nonce = $1, ciphertext = $2 WHERE class_name = $3 AND class_type = $4`
	res, err := db.ExecContext(ctx, q, nonce, ciphertext, className, classType)
	if err != nil {
		return fmt.Errorf("store: credential update for %s/%s failed: %w", classType, className, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: registration %s/%s", ErrNotFound, classType, className)
	}
	return nil
}

// DeleteRegistration removes the row and reports the backing file path so
// the caller can delete the artifact after the row is gone.
func (s *Store) DeleteRegistration(ctx context.Context, className, classType string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}

	const q = `DELETE FROM code_registry WHERE class_name = $1 AND class_type = $2 RETURNING file_path`
	var filePath string
	err = db.QueryRowContext(ctx, q, className, classType).Scan(&filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: registration %s/%s", ErrNotFound, classType, className)
	}
	if err != nil {
		return "", fmt.Errorf("store: registration delete for %s/%s failed: %w", classType, className, err)
	}
	return filePath, nil
}

// ClassSummary is one row of the operator summary: a registration joined
// with the number of assets known for it.
type ClassSummary struct {
	ClassName    string    `json:"class_name"`
	ClassType    string    `json:"class_type"`
	ClassSubtype string    `json:"class_subtype"`
	UploadedAt   time.Time `json:"uploaded_at"`
	AssetCount   int       `json:"asset_count"`
}

// ClassSummaries left-joins registrations with their asset counts.
func (s *Store) ClassSummaries(ctx context.Context) ([]ClassSummary, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT r.class_name, r.class_type, r.class_subtype, r.uploaded_at, COUNT(a.symbol)
		FROM code_registry r
		LEFT JOIN assets a ON a.class_name = r.class_name AND a.class_type = r.class_type
		GROUP BY r.class_name, r.class_type, r.class_subtype, r.uploaded_at
		ORDER BY r.class_type, r.class_name`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: class summary query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ClassSummary
	for rows.Next() {
		var cs ClassSummary
		if err := rows.Scan(&cs.ClassName, &cs.ClassType, &cs.ClassSubtype, &cs.UploadedAt, &cs.AssetCount); err != nil {
			return nil, fmt.Errorf("store: class summary scan failed: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: class summary iteration failed: %w", err)
	}
	return out, nil
}
