package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/model"
)

// IdentityRepository persists model.Identity rows.
type IdentityRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewIdentityRepository builds a repository over db.
func NewIdentityRepository(db *sqlx.DB, log *zap.Logger) *IdentityRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityRepository{db: db, log: log}
}

// Create inserts a new identity.
func (r *IdentityRepository) Create(ctx context.Context, id *model.Identity) error {
	metadata, err := json.Marshal(id.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal identity metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO identities (identity_id, status, metadata, application_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id.IdentityID, string(id.Status), metadata, pq.Array(id.ApplicationIDs), id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert identity: %w", err)
	}
	return nil
}

func scanIdentity(row interface {
	Scan(dest ...interface{}) error
}) (*model.Identity, error) {
	var (
		id       model.Identity
		status   string
		metadata []byte
		appIDs   pq.StringArray
	)
	if err := row.Scan(&id.IdentityID, &status, &metadata, &appIDs, &id.CreatedAt, &id.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan identity: %w", err)
	}
	id.Status = model.IdentityStatus(status)
	id.ApplicationIDs = []string(appIDs)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &id.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal identity metadata: %w", err)
		}
	}
	return &id, nil
}

const selectIdentityColumns = `identity_id, status, metadata, application_ids, created_at, updated_at`

// Get fetches a single identity by id.
func (r *IdentityRepository) Get(ctx context.Context, identityID string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectIdentityColumns+` FROM identities WHERE identity_id = $1`, identityID)
	return scanIdentity(row)
}

// AppendApplication adds applicationID to identity's ordered
// application_ids list (idempotent: a re-run that finds the id
// already present is a no-op, supporting ASSIGN-stage recovery).
func (r *IdentityRepository) AppendApplication(ctx context.Context, identityID, applicationID string) error {
	id, err := r.Get(ctx, identityID)
	if err != nil {
		return err
	}
	for _, existing := range id.ApplicationIDs {
		if existing == applicationID {
			return nil
		}
	}
	id.ApplicationIDs = append(id.ApplicationIDs, applicationID)

	_, err = r.db.ExecContext(ctx,
		`UPDATE identities SET application_ids = $1 WHERE identity_id = $2`,
		pq.Array(id.ApplicationIDs), identityID,
	)
	if err != nil {
		return fmt.Errorf("store: append application to identity: %w", err)
	}
	return nil
}

// RemoveApplication removes applicationID from identity's
// application_ids list, used when a reviewer rejects a duplicate
// decision and rebinds the application elsewhere.
func (r *IdentityRepository) RemoveApplication(ctx context.Context, identityID, applicationID string) error {
	id, err := r.Get(ctx, identityID)
	if err != nil {
		return err
	}
	kept := id.ApplicationIDs[:0]
	for _, existing := range id.ApplicationIDs {
		if existing != applicationID {
			kept = append(kept, existing)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE identities SET application_ids = $1 WHERE identity_id = $2`,
		pq.Array(kept), identityID,
	)
	if err != nil {
		return fmt.Errorf("store: remove application from identity: %w", err)
	}
	return nil
}

// UpdateStatus transitions identity's status (e.g. to MERGED) and
// merges extra key/value pairs into its metadata for provenance.
func (r *IdentityRepository) UpdateStatus(ctx context.Context, identityID string, status model.IdentityStatus, metadataPatch map[string]interface{}) error {
	id, err := r.Get(ctx, identityID)
	if err != nil {
		return err
	}
	if id.Metadata == nil {
		id.Metadata = make(map[string]interface{})
	}
	for k, v := range metadataPatch {
		id.Metadata[k] = v
	}
	metadata, err := json.Marshal(id.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal identity metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE identities SET status = $1, metadata = $2 WHERE identity_id = $3`,
		string(status), metadata, identityID,
	)
	if err != nil {
		return fmt.Errorf("store: update identity status: %w", err)
	}
	return nil
}

// ListByStatus returns a newest-first page of identities in status.
func (r *IdentityRepository) ListByStatus(ctx context.Context, status model.IdentityStatus, page, size int) ([]*model.Identity, error) {
	if size <= 0 {
		size = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectIdentityColumns+` FROM identities
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(status), size, page*size,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list identities by status: %w", err)
	}
	defer rows.Close()

	var out []*model.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
