package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const requestColumns = `id, requester_id, fulfiller_id, status, origin_desc, dest_desc, estimate,
	cancelled_by, reason, created_at, accepted_at, terminal_at`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations creates tables and indexes if they don't exist.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observe(start time.Time) {
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
}

// CreateRequest inserts a new dispatch request.
func (s *PostgresStore) CreateRequest(ctx context.Context, req *models.DispatchRequest) error {
	defer observe(time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_requests (id, requester_id, status, origin_desc, dest_desc, estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, req.ID, req.RequesterID, string(req.Status), req.OriginDesc, req.DestDesc, req.Estimate, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch request: %w", err)
	}
	return nil
}

// GetRequest retrieves a dispatch request by ID.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error) {
	defer observe(time.Now())
	req, err := scanPgRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch request: %w", err)
	}
	return req, nil
}

// TransitionRequest performs the conditional status update. The WHERE
// clause on status makes concurrent callers race on the row lock; only the
// first sees a returned row.
func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, t models.Transition) (*models.DispatchRequest, error) {
	if err := validTransition(t); err != nil {
		return nil, err
	}
	defer observe(time.Now())

	set := transitionAssignments(t)
	clauses := make([]string, len(set))
	args := []any{id}
	for i, a := range set {
		args = append(args, a.value)
		clauses[i] = fmt.Sprintf("%s = $%d", a.column, len(args))
	}
	args = append(args, statusStrings(t.From))

	query := fmt.Sprintf(`UPDATE dispatch_requests SET %s WHERE id = $1 AND status = ANY($%d) RETURNING %s`,
		strings.Join(clauses, ", "), len(args), requestColumns)

	req, err := scanPgRequest(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM dispatch_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check dispatch request: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStaleTransition
	}
	if err != nil {
		return nil, fmt.Errorf("transition dispatch request: %w", err)
	}
	return req, nil
}

// ListActiveRequests returns pre-terminal requests where identityID is the
// requester or the fulfiller.
func (s *PostgresStore) ListActiveRequests(ctx context.Context, identityID string) ([]*models.DispatchRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM dispatch_requests
		WHERE status IN ('pending', 'accepted', 'active')
		  AND (requester_id = $1 OR fulfiller_id = $1)
		ORDER BY created_at
	`, identityID)
}

// ListPendingRequests returns every pending request.
func (s *PostgresStore) ListPendingRequests(ctx context.Context) ([]*models.DispatchRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM dispatch_requests
		WHERE status = 'pending'
		ORDER BY created_at
	`)
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args ...any) ([]*models.DispatchRequest, error) {
	defer observe(time.Now())
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatch requests: %w", err)
	}
	defer rows.Close()

	var out []*models.DispatchRequest
	for rows.Next() {
		req, err := scanPgRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanPgRequest(row pgx.Row) (*models.DispatchRequest, error) {
	var (
		req                         models.DispatchRequest
		status                      string
		fulfiller, cancelledBy, why *string
	)
	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&fulfiller,
		&status,
		&req.OriginDesc,
		&req.DestDesc,
		&req.Estimate,
		&cancelledBy,
		&why,
		&req.CreatedAt,
		&req.AcceptedAt,
		&req.TerminalAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = models.DispatchStatus(status)
	req.FulfillerID = deref(fulfiller)
	req.CancelledBy = deref(cancelledBy)
	req.Reason = deref(why)
	return &req, nil
}

// ListZones returns every zone.
func (s *PostgresStore) ListZones(ctx context.Context) ([]models.Zone, error) {
	defer observe(time.Now())
	rows, err := s.pool.Query(ctx, `
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
			rules []byte
		)
		if err := rows.Scan(&z.ID, &z.Name, &kind, &z.Center.Lat, &z.Center.Lng, &z.RadiusMeters, &rules, &z.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.Kind = models.ZoneKind(kind)
		if z.Rules, err = decodeRules(rules); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// UpsertZone inserts or replaces a zone.
func (s *PostgresStore) UpsertZone(ctx context.Context, z models.Zone) error {
	rules, err := encodeRules(z.Rules)
	if err != nil {
		return err
	}
	defer observe(time.Now())
	_, err = s.pool.Exec(ctx, `
		INSERT INTO zones (id, name, kind, center_lat, center_lng, radius_meters, rules, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			center_lat = EXCLUDED.center_lat,
			center_lng = EXCLUDED.center_lng,
			radius_meters = EXCLUDED.radius_meters,
			rules = EXCLUDED.rules,
			updated_at = EXCLUDED.updated_at
	`, z.ID, z.Name, string(z.Kind), z.Center.Lat, z.Center.Lng, z.RadiusMeters, string(rules), z.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert zone: %w", err)
	}
	return nil
}

// DeleteZone removes a zone.
func (s *PostgresStore) DeleteZone(ctx context.Context, id string) error {
	defer observe(time.Now())
	tag, err := s.pool.Exec(ctx, `DELETE FROM zones WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLocationSample records a raw location sample.
func (s *PostgresStore) AppendLocationSample(ctx context.Context, sample models.LocationSample) error {
	defer observe(time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO location_samples (identity_id, lat, lng, accuracy, speed, heading, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sample.IdentityID, sample.Lat, sample.Lng, sample.Accuracy, sample.Speed, sample.Heading, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("insert location sample: %w", err)
	}
	return nil
}

// ListLocationSamples returns the most recent samples of an identity,
// newest first.
func (s *PostgresStore) ListLocationSamples(ctx context.Context, identityID string, limit int) ([]models.LocationSample, error) {
	defer observe(time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, lat, lng, accuracy, speed, heading, recorded_at
		FROM location_samples
		WHERE identity_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, identityID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list location samples: %w", err)
	}
	defer rows.Close()

	var out []models.LocationSample
	for rows.Next() {
		var ls models.LocationSample
		if err := rows.Scan(&ls.IdentityID, &ls.Lat, &ls.Lng, &ls.Accuracy, &ls.Speed, &ls.Heading, &ls.Timestamp); err != nil {
			return nil, fmt.Errorf("scan location sample: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
