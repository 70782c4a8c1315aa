package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/model"
)

// ErrAlreadyExists is returned when a 1:1 invariant (one embedding
// per application) would be violated.
var ErrAlreadyExists = errors.New("store: already exists")

// EmbeddingRepository persists model.Embedding rows.
type EmbeddingRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewEmbeddingRepository builds a repository over db.
func NewEmbeddingRepository(db *sqlx.DB, log *zap.Logger) *EmbeddingRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmbeddingRepository{db: db, log: log}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// Create inserts emb, enforcing the application-store invariant that
// an application has at most one embedding.
func (r *EmbeddingRepository) Create(ctx context.Context, emb *model.Embedding) error {
	faceBox, err := json.Marshal(emb.FaceBox)
	if err != nil {
		return fmt.Errorf("store: marshal face box: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO embeddings (application_id, identity_id, vector, model_version, quality_score, face_box, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		emb.ApplicationID, emb.IdentityID, encodeVector(emb.Vector), emb.ModelVersion,
		emb.QualityScore, faceBox, emb.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: insert embedding: %w", err)
	}
	return nil
}

func scanEmbedding(row interface {
	Scan(dest ...interface{}) error
}) (*model.Embedding, error) {
	var (
		emb     model.Embedding
		vector  []byte
		faceBox []byte
	)
	if err := row.Scan(&emb.ApplicationID, &emb.IdentityID, &vector, &emb.ModelVersion,
		&emb.QualityScore, &faceBox, &emb.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan embedding: %w", err)
	}
	emb.Vector = decodeVector(vector)
	if err := json.Unmarshal(faceBox, &emb.FaceBox); err != nil {
		return nil, fmt.Errorf("store: unmarshal face box: %w", err)
	}
	return &emb, nil
}

const selectEmbeddingColumns = `application_id, identity_id, vector, model_version, quality_score, face_box, created_at`

// GetByApplication fetches the embedding for applicationID.
func (r *EmbeddingRepository) GetByApplication(ctx context.Context, applicationID string) (*model.Embedding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectEmbeddingColumns+` FROM embeddings WHERE application_id = $1`, applicationID)
	return scanEmbedding(row)
}

// ListByIdentity returns every embedding bound to identityID.
func (r *EmbeddingRepository) ListByIdentity(ctx context.Context, identityID string) ([]*model.Embedding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectEmbeddingColumns+` FROM embeddings WHERE identity_id = $1`, identityID)
	if err != nil {
		return nil, fmt.Errorf("store: list embeddings by identity: %w", err)
	}
	defer rows.Close()

	var out []*model.Embedding
	for rows.Next() {
		emb, err := scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, emb)
	}
	return out, rows.Err()
}

// Exists reports whether an embedding already exists for
// applicationID, used by ASSIGN-stage idempotent-recovery checks.
func (r *EmbeddingRepository) Exists(ctx context.Context, applicationID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM embeddings WHERE application_id = $1)`, applicationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check embedding existence: %w", err)
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsSQLState(err, "23505"))
}

// containsSQLState reports whether err (or an error it wraps) exposes
// a SQLState() method returning code, as pgconn's PgError does, rather
// than importing pgconn just for this one check.
func containsSQLState(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == code
	}
	return false
}
