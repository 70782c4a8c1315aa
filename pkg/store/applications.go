package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/model"
)

// ErrNotFound is returned when a lookup by primary key finds nothing.
var ErrNotFound = errors.New("store: not found")

// ApplicationRepository persists model.Application rows. Nested
// structs (applicant, photo_ref, processing, result) are stored as
// JSONB; identity_id, is_duplicate, and status are promoted to real
// columns so the secondary indexes in SPEC_FULL.md §4.4 can serve the
// review-queue and identity-detail queries without a JSONB scan.
type ApplicationRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewApplicationRepository builds a repository over db.
func NewApplicationRepository(db *sqlx.DB, log *zap.Logger) *ApplicationRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &ApplicationRepository{db: db, log: log}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts app. ApplicationID must already be populated by the
// caller (pkg/clock.NewID collision-retried against Exists).
func (r *ApplicationRepository) Create(ctx context.Context, app *model.Application) error {
	applicant, err := json.Marshal(app.Applicant)
	if err != nil {
		return fmt.Errorf("store: marshal applicant: %w", err)
	}
	photoRef, err := json.Marshal(app.PhotoRef)
	if err != nil {
		return fmt.Errorf("store: marshal photo_ref: %w", err)
	}
	processing, err := json.Marshal(app.Processing)
	if err != nil {
		return fmt.Errorf("store: marshal processing: %w", err)
	}
	result, err := json.Marshal(app.Result)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO applications
			(application_id, applicant, photo_ref, processing, result, identity_id, is_duplicate, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		app.ApplicationID, applicant, photoRef, processing, result,
		nullable(app.Result.IdentityID), app.Result.IsDuplicate, string(app.Processing.Status),
		app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert application: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing application.
func (r *ApplicationRepository) Update(ctx context.Context, app *model.Application) error {
	processing, err := json.Marshal(app.Processing)
	if err != nil {
		return fmt.Errorf("store: marshal processing: %w", err)
	}
	result, err := json.Marshal(app.Result)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE applications
		SET processing = $1, result = $2, identity_id = $3, is_duplicate = $4, status = $5, updated_at = $6
		WHERE application_id = $7`,
		processing, result, nullable(app.Result.IdentityID), app.Result.IsDuplicate,
		string(app.Processing.Status), app.UpdatedAt, app.ApplicationID,
	)
	if err != nil {
		return fmt.Errorf("store: update application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApplication(row interface {
	Scan(dest ...interface{}) error
}) (*model.Application, error) {
	var (
		app                             model.Application
		applicant, photoRef, processing []byte
		result                          []byte
		identityID                      sql.NullString
		isDuplicate                     bool
		status                          string
	)
	if err := row.Scan(
		&app.ApplicationID, &applicant, &photoRef, &processing, &result,
		&identityID, &isDuplicate, &status, &app.CreatedAt, &app.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan application: %w", err)
	}

	if err := json.Unmarshal(applicant, &app.Applicant); err != nil {
		return nil, fmt.Errorf("store: unmarshal applicant: %w", err)
	}
	if err := json.Unmarshal(photoRef, &app.PhotoRef); err != nil {
		return nil, fmt.Errorf("store: unmarshal photo_ref: %w", err)
	}
	if err := json.Unmarshal(processing, &app.Processing); err != nil {
		return nil, fmt.Errorf("store: unmarshal processing: %w", err)
	}
	if err := json.Unmarshal(result, &app.Result); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &app, nil
}

const selectApplicationColumns = `application_id, applicant, photo_ref, processing, result, identity_id, is_duplicate, status, created_at, updated_at`

// Get fetches a single application by id.
func (r *ApplicationRepository) Get(ctx context.Context, applicationID string) (*model.Application, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectApplicationColumns+` FROM applications WHERE application_id = $1`, applicationID)
	return scanApplication(row)
}

// ListByIdentity returns every application bound to identityID.
func (r *ApplicationRepository) ListByIdentity(ctx context.Context, identityID string) ([]*model.Application, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectApplicationColumns+` FROM applications WHERE identity_id = $1 ORDER BY created_at ASC`, identityID)
	if err != nil {
		return nil, fmt.Errorf("store: list applications by identity: %w", err)
	}
	defer rows.Close()

	var out []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// ListByStatus returns a newest-first page of applications in status,
// plus the total matching count, for the review queue and admin list.
func (r *ApplicationRepository) ListByStatus(ctx context.Context, status model.Status, page, size int) ([]*model.Application, int, error) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applications WHERE status = $1`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count applications by status: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectApplicationColumns+` FROM applications
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(status), size, page*size,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list applications by status: %w", err)
	}
	defer rows.Close()

	var out []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, app)
	}
	return out, total, rows.Err()
}
