package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/witness"
	"go.uber.org/zap"
)

// PostgresStore persists chains to PostgreSQL. The schema lives in
// migrations/001_init.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// lockChain serialises writers of one chain with a transaction-scoped
// advisory lock, released on commit or rollback.
func lockChain(ctx context.Context, tx pgx.Tx, chainID string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", chainID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	return nil
}

// CreateChain implements Store.
func (s *PostgresStore) CreateChain(ctx context.Context, rec ChainRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chains (id, algorithm, created_at) VALUES ($1, $2, $3)`,
		rec.ID, string(rec.Algorithm), rec.CreatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("chain %s: %w", rec.ID, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}
	return nil
}

// AppendRevision implements Store.
func (s *PostgresStore) AppendRevision(ctx context.Context, chainID string, rev chain.Revision, seg chain.Segment) error {
	sig, err := nullableJSON(rev.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	ref, err := nullableJSON(rev.WitnessRef)
	if err != nil {
		return fmt.Errorf("marshal witness ref: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockChain(ctx, tx, chainID); err != nil {
		return err
	}

	var sealedAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT sealed_at FROM chains WHERE id = $1`, chainID).Scan(&sealedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
		}
		return fmt.Errorf("read chain: %w", err)
	}
	if sealedAt != nil {
		return fmt.Errorf("chain %s is sealed: %w", chainID, ErrConflict)
	}

	var n int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM revisions WHERE chain_id = $1`, chainID).Scan(&n); err != nil {
		return fmt.Errorf("count revisions: %w", err)
	}
	if rev.SequenceIndex != uint64(n) {
		return fmt.Errorf("non-contiguous append: have %d, got %d: %w", n, rev.SequenceIndex, ErrConflict)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO revisions (chain_id, seq, content_hash, previous_hash, self_hash, content, signature, witness_ref, segment, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		chainID, int64(rev.SequenceIndex), string(rev.ContentHash), string(rev.PreviousHash),
		string(rev.SelfHash), rev.Content, sig, ref, seg.Data, seg.CapturedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit revision tx: %w", err)
	}

	s.logger.Debug("revision stored",
		zap.String("chain_id", chainID),
		zap.Uint64("seq", rev.SequenceIndex),
		zap.String("self_hash", string(rev.SelfHash)),
	)
	return nil
}

// UpdateAttachments implements Store.
func (s *PostgresStore) UpdateAttachments(ctx context.Context, chainID string, rev chain.Revision) error {
	sig, err := nullableJSON(rev.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	ref, err := nullableJSON(rev.WitnessRef)
	if err != nil {
		return fmt.Errorf("marshal witness ref: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE revisions SET signature = $1, witness_ref = $2
		 WHERE chain_id = $3 AND seq = $4 AND self_hash = $5`,
		sig, ref, chainID, int64(rev.SequenceIndex), string(rev.SelfHash),
	)
	if err != nil {
		return fmt.Errorf("update attachments: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revision %d of %s: %w", rev.SequenceIndex, chainID, ErrNotFound)
	}
	return nil
}

// SaveReceipt implements Store.
func (s *PostgresStore) SaveReceipt(ctx context.Context, chainID string, r chain.Receipt) (chain.Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockChain(ctx, tx, chainID); err != nil {
		return chain.Receipt{}, err
	}

	existing := chain.Receipt{}
	var endpoints string
	var claimed *time.Time
	err = tx.QueryRow(ctx,
		`SELECT endpoints, claimed_at FROM receipts WHERE self_hash = $1 AND medium = $2 AND external_id = $3`,
		string(r.RevisionSelfHash), r.Medium, r.ExternalID,
	).Scan(&endpoints, &claimed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return chain.Receipt{}, fmt.Errorf("read receipt: %w", err)
	default:
		existing = chain.Receipt{RevisionSelfHash: r.RevisionSelfHash, Medium: r.Medium, ExternalID: r.ExternalID}
		if err := json.Unmarshal([]byte(endpoints), &existing.ConfirmedEndpoints); err != nil {
			return chain.Receipt{}, fmt.Errorf("decode endpoints: %w", err)
		}
		if claimed != nil {
			existing.ClaimedTimestamp = claimed.UTC()
		}
	}

	merged := witness.Merge(existing, r)
	enc, err := json.Marshal(merged.ConfirmedEndpoints)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("marshal endpoints: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO receipts (chain_id, self_hash, medium, external_id, endpoints, claimed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (self_hash, medium, external_id)
		 DO UPDATE SET endpoints = EXCLUDED.endpoints, claimed_at = EXCLUDED.claimed_at`,
		chainID, string(merged.RevisionSelfHash), merged.Medium, merged.ExternalID,
		string(enc), nullTime(merged.ClaimedTimestamp),
	); err != nil {
		return chain.Receipt{}, fmt.Errorf("upsert receipt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return chain.Receipt{}, fmt.Errorf("commit receipt tx: %w", err)
	}
	return merged, nil
}

// SealChain implements Store.
func (s *PostgresStore) SealChain(ctx context.Context, chainID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chains SET sealed_at = COALESCE(sealed_at, $2) WHERE id = $1`,
		chainID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("seal chain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
	}
	return nil
}

// GetChain implements Store.
func (s *PostgresStore) GetChain(ctx context.Context, chainID string) (*ChainRecord, error) {
	rec := &ChainRecord{}
	var alg string
	if err := s.pool.QueryRow(ctx,
		`SELECT id, algorithm, created_at, sealed_at FROM chains WHERE id = $1`, chainID,
	).Scan(&rec.ID, &alg, &rec.CreatedAt, &rec.SealedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
		}
		return nil, fmt.Errorf("get chain: %w", err)
	}
	rec.Algorithm = address.Algorithm(alg)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.SealedAt != nil {
		at := rec.SealedAt.UTC()
		rec.SealedAt = &at
	}
	return rec, nil
}

// Revisions implements Store.
func (s *PostgresStore) Revisions(ctx context.Context, chainID string) ([]chain.Revision, error) {
	if _, err := s.GetChain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, content_hash, previous_hash, self_hash, content, signature, witness_ref
		 FROM revisions WHERE chain_id = $1 ORDER BY seq ASC`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var out []chain.Revision
	for rows.Next() {
		var (
			seq               int64
			contentHash, prev string
			selfHash          string
			content           []byte
			sig, ref          *string
		)
		if err := rows.Scan(&seq, &contentHash, &prev, &selfHash, &content, &sig, &ref); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rev, err := decodeRevision(seq, contentHash, prev, selfHash, content, sig, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// Segments implements Store.
func (s *PostgresStore) Segments(ctx context.Context, chainID string) ([]chain.Segment, error) {
	if _, err := s.GetChain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, segment, captured_at FROM revisions WHERE chain_id = $1 ORDER BY seq ASC`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []chain.Segment
	for rows.Next() {
		var seq int64
		var seg chain.Segment
		if err := rows.Scan(&seq, &seg.Data, &seg.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Index = uint64(seq)
		seg.CapturedAt = seg.CapturedAt.UTC()
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Receipts implements Store.
func (s *PostgresStore) Receipts(ctx context.Context, chainID string) (map[address.Hash][]chain.Receipt, error) {
	if _, err := s.GetChain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT self_hash, medium, external_id, endpoints, claimed_at
		 FROM receipts WHERE chain_id = $1 ORDER BY self_hash, medium, external_id`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := make(map[address.Hash][]chain.Receipt)
	for rows.Next() {
		var (
			selfHash, endpoints string
			claimed             *time.Time
			r                   chain.Receipt
		)
		if err := rows.Scan(&selfHash, &r.Medium, &r.ExternalID, &endpoints, &claimed); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		if err := json.Unmarshal([]byte(endpoints), &r.ConfirmedEndpoints); err != nil {
			return nil, fmt.Errorf("decode endpoints: %w", err)
		}
		r.RevisionSelfHash = address.Hash(selfHash)
		if claimed != nil {
			r.ClaimedTimestamp = claimed.UTC()
		}
		out[r.RevisionSelfHash] = append(out[r.RevisionSelfHash], r)
	}
	return out, rows.Err()
}

func decodeRevision(seq int64, contentHash, prev, selfHash string, content []byte, sig, ref *string) (chain.Revision, error) {
	switch {
	case prev != "":
		content = nil
	case content == nil:
		content = []byte{}
	}
	rev := chain.Revision{
		SequenceIndex: uint64(seq),
		ContentHash:   address.Hash(contentHash),
		PreviousHash:  address.Hash(prev),
		SelfHash:      address.Hash(selfHash),
		Content:       content,
	}
	var err error
	if rev.Signature, err = decodeNullable[chain.Signature](sig); err != nil {
		return chain.Revision{}, fmt.Errorf("decode signature of %d: %w", seq, err)
	}
	if rev.WitnessRef, err = decodeNullable[chain.WitnessRef](ref); err != nil {
		return chain.Revision{}, fmt.Errorf("decode witness ref of %d: %w", seq, err)
	}
	return rev, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
