package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zkescrow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// EventFilter narrows LatestEvents. Zero fields match everything.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
}

const eventColumns = `id,ts,type,entity_kind,entity_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents pages newest first; cursor is the smallest id already seen.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	for col, v := range map[string]string{
		"type":        f.Type,
		"entity_kind": f.EntityKind,
		"entity_id":   f.EntityID,
		"actor_id":    f.ActorID,
	} {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter pages oldest first from cursor, for webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func getSubmission(ctx context.Context, q queryer, key string) (domain.Submission, error) {
	var s domain.Submission
	err := q.QueryRowContext(ctx, `SELECT key,owner_id,acquired_at,expires_at FROM submissions WHERE key=?`, key).
		Scan(&s.Key, &s.OwnerID, &s.AcquiredAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetSubmission(ctx context.Context, key string) (domain.Submission, error) {
	return getSubmission(ctx, r.DB, key)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, key string) (domain.Submission, error) {
	return getSubmission(ctx, tx, key)
}

func (r Repo) UpsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(key,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		s.Key, s.OwnerID, s.AcquiredAt, s.ExpiresAt)
	return err
}

func (r Repo) DeleteSubmission(ctx context.Context, tx *sql.Tx, key string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSubmissions(ctx context.Context) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,owner_id,acquired_at,expires_at FROM submissions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.Key, &s.OwnerID, &s.AcquiredAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) InsertProofTx(ctx context.Context, tx *sql.Tx, p domain.ProofRecord) error {
	signals, err := json.Marshal(p.PublicSignals)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proofs(id,did_commitment,vk_digest,public_signals_json,actor_id,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.DIDCommitment, nullable(p.VerificationKeyDigest), string(signals), p.ActorID, p.CreatedAt)
	return err
}

const proofColumns = `id,did_commitment,vk_digest,public_signals_json,actor_id,created_at`

func scanProof(scan func(...any) error) (domain.ProofRecord, error) {
	var p domain.ProofRecord
	var vk sql.NullString
	var signals string
	if err := scan(&p.ID, &p.DIDCommitment, &vk, &signals, &p.ActorID, &p.CreatedAt); err != nil {
		return p, err
	}
	p.VerificationKeyDigest = vk.String
	if err := json.Unmarshal([]byte(signals), &p.PublicSignals); err != nil {
		return p, fmt.Errorf("decode public signals of %s: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.ProofRecord, error) {
	p, err := scanProof(r.DB.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ListProofs returns proofs for a commitment, newest first. An empty
// commitment lists all.
func (r Repo) ListProofs(ctx context.Context, didCommitment string, limit int) ([]domain.ProofRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + proofColumns + ` FROM proofs`
	var args []any
	if didCommitment != "" {
		query += ` WHERE did_commitment=?`
		args = append(args, didCommitment)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProofRecord
	for rows.Next() {
		p, err := scanProof(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
