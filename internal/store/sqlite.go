package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/ridewire/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/ridewire.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/ridewire.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps conditional updates serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRequest inserts a new dispatch request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *models.DispatchRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_requests (id, requester_id, status, origin_desc, dest_desc, estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.RequesterID, string(req.Status), req.OriginDesc, req.DestDesc, req.Estimate, req.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert dispatch request: %w", err)
	}
	return nil
}

// GetRequest retrieves a dispatch request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error) {
	req, err := scanSQLRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch request: %w", err)
	}
	return req, nil
}

// TransitionRequest performs the conditional status update inside a write
// transaction, so the update and the read of the result see the same row.
func (s *SQLiteStore) TransitionRequest(ctx context.Context, id string, t models.Transition) (*models.DispatchRequest, error) {
	if err := validTransition(t); err != nil {
		return nil, err
	}

	set := transitionAssignments(t)
	clauses := make([]string, len(set))
	args := make([]any, 0, len(set)+1+len(t.From))
	for i, a := range set {
		clauses[i] = a.column + " = ?"
		if ts, ok := a.value.(time.Time); ok {
			a.value = ts.UTC()
		}
		args = append(args, a.value)
	}
	args = append(args, id)
	for _, from := range t.From {
		args = append(args, string(from))
	}
	query := fmt.Sprintf(`UPDATE dispatch_requests SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(clauses, ", "), strings.TrimSuffix(strings.Repeat("?,", len(t.From)), ","))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition dispatch request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition dispatch request: %w", err)
	}

	req, err := scanSQLRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read dispatch request: %w", err)
	}
	if n == 0 {
		return nil, ErrStaleTransition
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return req, nil
}

// ListActiveRequests returns pre-terminal requests where identityID is the
// requester or the fulfiller.
func (s *SQLiteStore) ListActiveRequests(ctx context.Context, identityID string) ([]*models.DispatchRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM dispatch_requests
		WHERE status IN ('pending', 'accepted', 'active')
		  AND (requester_id = ? OR fulfiller_id = ?)
		ORDER BY created_at
	`, identityID, identityID)
}

// ListPendingRequests returns every pending request.
func (s *SQLiteStore) ListPendingRequests(ctx context.Context) ([]*models.DispatchRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM dispatch_requests
		WHERE status = 'pending'
		ORDER BY created_at
	`)
}

func (s *SQLiteStore) queryRequests(ctx context.Context, query string, args ...any) ([]*models.DispatchRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatch requests: %w", err)
	}
	defer rows.Close()

	var out []*models.DispatchRequest
	for rows.Next() {
		req, err := scanSQLRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLRequest(row rowScanner) (*models.DispatchRequest, error) {
	var (
		req                         models.DispatchRequest
		status                      string
		fulfiller, cancelledBy, why sql.NullString
		estimate                    sql.NullFloat64
		acceptedAt, terminalAt      sql.NullTime
	)
	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&fulfiller,
		&status,
		&req.OriginDesc,
		&req.DestDesc,
		&estimate,
		&cancelledBy,
		&why,
		&req.CreatedAt,
		&acceptedAt,
		&terminalAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = models.DispatchStatus(status)
	req.FulfillerID = fulfiller.String
	req.CancelledBy = cancelledBy.String
	req.Reason = why.String
	if estimate.Valid {
		req.Estimate = &estimate.Float64
	}
	if acceptedAt.Valid {
		req.AcceptedAt = &acceptedAt.Time
	}
	if terminalAt.Valid {
		req.TerminalAt = &terminalAt.Time
	}
	return &req, nil
}

// ListZones returns every zone.
func (s *SQLiteStore) ListZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, center_lat, center_lng, radius_meters, rules, updated_at
		FROM zones ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var out []models.Zone
	for rows.Next() {
		var (
			z     models.Zone
			kind  string
			rules string
		)
		if err := rows.Scan(&z.ID, &z.Name, &kind, &z.Center.Lat, &z.Center.Lng, &z.RadiusMeters, &rules, &z.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.Kind = models.ZoneKind(kind)
		if z.Rules, err = decodeRules([]byte(rules)); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// UpsertZone inserts or replaces a zone.
func (s *SQLiteStore) UpsertZone(ctx context.Context, z models.Zone) error {
	rules, err := encodeRules(z.Rules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO zones (id, name, kind, center_lat, center_lng, radius_meters, rules, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			center_lat = excluded.center_lat,
			center_lng = excluded.center_lng,
			radius_meters = excluded.radius_meters,
			rules = excluded.rules,
			updated_at = excluded.updated_at
	`, z.ID, z.Name, string(z.Kind), z.Center.Lat, z.Center.Lng, z.RadiusMeters, string(rules), z.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert zone: %w", err)
	}
	return nil
}

// DeleteZone removes a zone.
func (s *SQLiteStore) DeleteZone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLocationSample records a raw location sample.
func (s *SQLiteStore) AppendLocationSample(ctx context.Context, sample models.LocationSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_samples (identity_id, lat, lng, accuracy, speed, heading, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sample.IdentityID, sample.Lat, sample.Lng, sample.Accuracy, sample.Speed, sample.Heading, sample.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert location sample: %w", err)
	}
	return nil
}

// ListLocationSamples returns the most recent samples of an identity,
// newest first.
func (s *SQLiteStore) ListLocationSamples(ctx context.Context, identityID string, limit int) ([]models.LocationSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, lat, lng, accuracy, speed, heading, recorded_at
		FROM location_samples
		WHERE identity_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, identityID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list location samples: %w", err)
	}
	defer rows.Close()

	var out []models.LocationSample
	for rows.Next() {
		var (
			ls                       models.LocationSample
			accuracy, speed, heading sql.NullFloat64
		)
		if err := rows.Scan(&ls.IdentityID, &ls.Lat, &ls.Lng, &accuracy, &speed, &heading, &ls.Timestamp); err != nil {
			return nil, fmt.Errorf("scan location sample: %w", err)
		}
		ls.Accuracy = nullFloat(accuracy)
		ls.Speed = nullFloat(speed)
		ls.Heading = nullFloat(heading)
		out = append(out, ls)
	}
	return out, rows.Err()
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
