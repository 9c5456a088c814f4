package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/witness"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chains (
  id          TEXT PRIMARY KEY,
  algorithm   TEXT    NOT NULL,
  created_at  INTEGER NOT NULL,
  sealed_at   INTEGER
);
CREATE TABLE IF NOT EXISTS revisions (
  chain_id       TEXT    NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
  seq            INTEGER NOT NULL,
  content_hash   TEXT    NOT NULL,
  previous_hash  TEXT    NOT NULL DEFAULT '',
  self_hash      TEXT    NOT NULL,
  content        BLOB,
  signature      TEXT,
  witness_ref    TEXT,
  segment        BLOB    NOT NULL,
  captured_at    INTEGER NOT NULL,
  PRIMARY KEY (chain_id, seq)
);
CREATE INDEX IF NOT EXISTS revisions_self_hash_idx ON revisions(self_hash);
CREATE TABLE IF NOT EXISTS receipts (
  chain_id     TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
  self_hash    TEXT NOT NULL,
  medium       TEXT NOT NULL,
  external_id  TEXT NOT NULL,
  endpoints    TEXT NOT NULL,
  claimed_at   INTEGER,
  PRIMARY KEY (self_hash, medium, external_id)
);
CREATE INDEX IF NOT EXISTS receipts_chain_idx ON receipts(chain_id);
`

// SQLiteStore persists chains to a single SQLite file. Writes run in
// serialisable transactions; the database runs in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens or creates the database at dsn and ensures the schema.
func OpenSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Pragmas below are per connection, so the pool keeps exactly one.
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// CreateChain implements Store.
func (s *SQLiteStore) CreateChain(ctx context.Context, rec ChainRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chains(id, algorithm, created_at) VALUES(?, ?, ?)`,
		rec.ID, string(rec.Algorithm), rec.CreatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("chain %s: %w", rec.ID, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}
	return nil
}

// AppendRevision implements Store.
func (s *SQLiteStore) AppendRevision(ctx context.Context, chainID string, rev chain.Revision, seg chain.Segment) error {
	sig, err := nullableJSON(rev.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	ref, err := nullableJSON(rev.WitnessRef)
	if err != nil {
		return fmt.Errorf("marshal witness ref: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var sealedAt sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT sealed_at FROM chains WHERE id = ?`, chainID).Scan(&sealedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
		}
		return fmt.Errorf("read chain: %w", err)
	}
	if sealedAt.Valid {
		return fmt.Errorf("chain %s is sealed: %w", chainID, ErrConflict)
	}

	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions WHERE chain_id = ?`, chainID).Scan(&n); err != nil {
		return fmt.Errorf("count revisions: %w", err)
	}
	if rev.SequenceIndex != uint64(n) {
		return fmt.Errorf("non-contiguous append: have %d, got %d: %w", n, rev.SequenceIndex, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO revisions(chain_id, seq, content_hash, previous_hash, self_hash, content, signature, witness_ref, segment, captured_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chainID, int64(rev.SequenceIndex), string(rev.ContentHash), string(rev.PreviousHash),
		string(rev.SelfHash), rev.Content, sig, ref, seg.Data, seg.CapturedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision tx: %w", err)
	}
	s.logger.Debug("revision stored",
		zap.String("chain_id", chainID),
		zap.Uint64("seq", rev.SequenceIndex),
	)
	return nil
}

// UpdateAttachments implements Store.
func (s *SQLiteStore) UpdateAttachments(ctx context.Context, chainID string, rev chain.Revision) error {
	sig, err := nullableJSON(rev.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	ref, err := nullableJSON(rev.WitnessRef)
	if err != nil {
		return fmt.Errorf("marshal witness ref: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE revisions SET signature = ?, witness_ref = ? WHERE chain_id = ? AND seq = ? AND self_hash = ?`,
		sig, ref, chainID, int64(rev.SequenceIndex), string(rev.SelfHash),
	)
	if err != nil {
		return fmt.Errorf("update attachments: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("revision %d of %s: %w", rev.SequenceIndex, chainID, ErrNotFound)
	}
	return nil
}

// SaveReceipt implements Store.
func (s *SQLiteStore) SaveReceipt(ctx context.Context, chainID string, r chain.Receipt) (chain.Receipt, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return chain.Receipt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing := chain.Receipt{}
	var endpoints string
	var claimed sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT endpoints, claimed_at FROM receipts WHERE self_hash = ? AND medium = ? AND external_id = ?`,
		string(r.RevisionSelfHash), r.Medium, r.ExternalID,
	).Scan(&endpoints, &claimed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return chain.Receipt{}, fmt.Errorf("read receipt: %w", err)
	default:
		existing = chain.Receipt{RevisionSelfHash: r.RevisionSelfHash, Medium: r.Medium, ExternalID: r.ExternalID}
		if err := json.Unmarshal([]byte(endpoints), &existing.ConfirmedEndpoints); err != nil {
			return chain.Receipt{}, fmt.Errorf("decode endpoints: %w", err)
		}
		existing.ClaimedTimestamp = fromNullNano(claimed)
	}

	merged := witness.Merge(existing, r)
	enc, err := json.Marshal(merged.ConfirmedEndpoints)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("marshal endpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO receipts(chain_id, self_hash, medium, external_id, endpoints, claimed_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(self_hash, medium, external_id) DO UPDATE SET endpoints=excluded.endpoints, claimed_at=excluded.claimed_at`,
		chainID, string(merged.RevisionSelfHash), merged.Medium, merged.ExternalID,
		string(enc), toNullNano(merged.ClaimedTimestamp),
	); err != nil {
		return chain.Receipt{}, fmt.Errorf("upsert receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chain.Receipt{}, fmt.Errorf("commit receipt tx: %w", err)
	}
	return merged, nil
}

// SealChain implements Store.
func (s *SQLiteStore) SealChain(ctx context.Context, chainID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chains SET sealed_at = COALESCE(sealed_at, ?) WHERE id = ?`,
		at.UnixNano(), chainID,
	)
	if err != nil {
		return fmt.Errorf("seal chain: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
	}
	return nil
}

// GetChain implements Store.
func (s *SQLiteStore) GetChain(ctx context.Context, chainID string) (*ChainRecord, error) {
	var (
		rec     ChainRecord
		alg     string
		created int64
		sealed  sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, algorithm, created_at, sealed_at FROM chains WHERE id = ?`, chainID,
	).Scan(&rec.ID, &alg, &created, &sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
		}
		return nil, fmt.Errorf("get chain: %w", err)
	}
	rec.Algorithm = address.Algorithm(alg)
	rec.CreatedAt = time.Unix(0, created).UTC()
	if sealed.Valid {
		at := time.Unix(0, sealed.Int64).UTC()
		rec.SealedAt = &at
	}
	return &rec, nil
}

// Revisions implements Store.
func (s *SQLiteStore) Revisions(ctx context.Context, chainID string) ([]chain.Revision, error) {
	if _, err := s.GetChain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, content_hash, previous_hash, self_hash, content, signature, witness_ref
		 FROM revisions WHERE chain_id = ? ORDER BY seq ASC`, chainID,
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
			sig, ref          sql.NullString
		)
		if err := rows.Scan(&seq, &contentHash, &prev, &selfHash, &content, &sig, &ref); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rev, err := decodeRevision(seq, contentHash, prev, selfHash, content, nullString(sig), nullString(ref))
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// Segments implements Store.
func (s *SQLiteStore) Segments(ctx context.Context, chainID string) ([]chain.Segment, error) {
	if _, err := s.GetChain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, segment, captured_at FROM revisions WHERE chain_id = ? ORDER BY seq ASC`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []chain.Segment
	for rows.Next() {
		var seq, captured int64
		var seg chain.Segment
		if err := rows.Scan(&seq, &seg.Data, &captured); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Index = uint64(seq)
		seg.CapturedAt = time.Unix(0, captured).UTC()
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Receipts implements Store.
func (s *SQLiteStore) Receipts(ctx context.Context, chainID string) (map[address.Hash][]chain.Receipt, error) {
	if _, err := s.GetChain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT self_hash, medium, external_id, endpoints, claimed_at
		 FROM receipts WHERE chain_id = ? ORDER BY self_hash, medium, external_id`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := make(map[address.Hash][]chain.Receipt)
	for rows.Next() {
		var (
			selfHash, endpoints string
			claimed             sql.NullInt64
			r                   chain.Receipt
		)
		if err := rows.Scan(&selfHash, &r.Medium, &r.ExternalID, &endpoints, &claimed); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		if err := json.Unmarshal([]byte(endpoints), &r.ConfirmedEndpoints); err != nil {
			return nil, fmt.Errorf("decode endpoints: %w", err)
		}
		r.RevisionSelfHash = address.Hash(selfHash)
		r.ClaimedTimestamp = fromNullNano(claimed)
		out[r.RevisionSelfHash] = append(out[r.RevisionSelfHash], r)
	}
	return out, rows.Err()
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func toNullNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNano(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
