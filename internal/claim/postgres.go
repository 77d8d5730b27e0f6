package claim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS billable_reports (
	report_id          TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	insurance_plan     JSONB,
	lines              JSONB NOT NULL DEFAULT '[]',
	rendering_provider JSONB,
	place_of_service   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subscribers (
	user_id       TEXT PRIMARY KEY,
	first_name    TEXT NOT NULL,
	last_name     TEXT NOT NULL,
	date_of_birth DATE,
	gender        TEXT NOT NULL DEFAULT '',
	address_line1 TEXT NOT NULL DEFAULT '',
	city          TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT '',
	zip           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claims (
	id                 UUID PRIMARY KEY,
	report_id          TEXT NOT NULL UNIQUE,
	user_id            TEXT NOT NULL,
	claim_number       TEXT NOT NULL UNIQUE,
	status             TEXT NOT NULL,
	total_charge       NUMERIC(12,2) NOT NULL,
	insurance_plan     JSONB,
	lines              JSONB NOT NULL,
	rendering_provider JSONB,
	place_of_service   TEXT NOT NULL,
	edi_file_location  TEXT,
	submission_id      TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
`

const claimCols = `id, report_id, user_id, claim_number, status, total_charge,
	insurance_plan, lines, rendering_provider, place_of_service,
	edi_file_location, submission_id, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// OpenPostgres connects with the lib/pq driver and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the billing tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate claim schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT report_id, user_id, insurance_plan, lines, rendering_provider, place_of_service FROM billable_reports WHERE report_id = $1",
		reportID)

	var (
		r                       Report
		plan, lines, renderingP []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &plan, &lines, &renderingP, &r.PlaceOfService)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if err := decodeJSON(plan, &r.Plan); err != nil {
		return nil, fmt.Errorf("decode report plan: %w", err)
	}
	if err := decodeJSON(lines, &r.Lines); err != nil {
		return nil, fmt.Errorf("decode report lines: %w", err)
	}
	if err := decodeJSON(renderingP, &r.RenderingProvider); err != nil {
		return nil, fmt.Errorf("decode rendering provider: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetSubscriber(ctx context.Context, userID string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, first_name, last_name, date_of_birth, gender, address_line1, city, state, zip FROM subscribers WHERE user_id = $1",
		userID)

	var (
		sub Subscriber
		dob sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.FirstName, &sub.LastName, &dob, &sub.Gender,
		&sub.Address.Line1, &sub.Address.City, &sub.Address.State, &sub.Address.Zip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	if dob.Valid {
		sub.DateOfBirth = &dob.Time
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertByReport(ctx context.Context, c *Claim) (*Claim, error) {
	plan, err := encodeJSON(c.Plan)
	if err != nil {
		return nil, err
	}
	lines, err := json.Marshal(c.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode lines: %w", err)
	}
	renderingP, err := encodeJSON(c.RenderingProvider)
	if err != nil {
		return nil, err
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO claims (id, report_id, user_id, claim_number, status, total_charge,
			insurance_plan, lines, rendering_provider, place_of_service, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (report_id) DO UPDATE SET report_id = EXCLUDED.report_id
		RETURNING ` + claimCols

	row := s.db.QueryRowContext(ctx, query,
		c.ID, c.ReportID, c.UserID, c.ClaimNumber, string(c.Status), c.TotalCharge,
		plan, lines, renderingP, c.PlaceOfService, c.CreatedAt, c.UpdatedAt)

	stored, err := scanClaim(row)
	if err != nil {
		return nil, fmt.Errorf("upsert claim: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+claimCols+" FROM claims WHERE id = $1", id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE claims SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(to), s.now(), id, string(from))
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

func (s *PostgresStore) SetEDIFileLocation(ctx context.Context, id, location string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE claims SET edi_file_location = $1, updated_at = $2 WHERE id = $3 AND edi_file_location IS NULL",
		location, s.now(), id)
	if err != nil {
		return fmt.Errorf("set edi file location: %w", err)
	}
	return expectOneRow(res, ErrEDILocationSet)
}

func (s *PostgresStore) SetSubmissionID(ctx context.Context, id, submissionID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE claims SET submission_id = $1, updated_at = $2 WHERE id = $3",
		submissionID, s.now(), id)
	if err != nil {
		return fmt.Errorf("set submission id: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*Claim, error) {
	var (
		c                       Claim
		status                  string
		plan, lines, renderingP []byte
		ediLoc, submissionID    sql.NullString
	)
	err := row.Scan(&c.ID, &c.ReportID, &c.UserID, &c.ClaimNumber, &status, &c.TotalCharge,
		&plan, &lines, &renderingP, &c.PlaceOfService,
		&ediLoc, &submissionID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.EDIFileLocation = ediLoc.String
	c.SubmissionID = submissionID.String
	if err := decodeJSON(plan, &c.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := decodeJSON(lines, &c.Lines); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	if err := decodeJSON(renderingP, &c.RenderingProvider); err != nil {
		return nil, fmt.Errorf("decode rendering provider: %w", err)
	}
	return &c, nil
}

func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

// encodeJSON returns an untyped nil for absent values so the column is NULL.
func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case *InsurancePlan:
		if x == nil {
			return nil, nil
		}
	case *Provider:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
