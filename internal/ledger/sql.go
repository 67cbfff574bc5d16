package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	height       BIGINT PRIMARY KEY,
	content_id   TEXT NOT NULL UNIQUE,
	owner        TEXT NOT NULL,
	metadata     TEXT NOT NULL,
	committed_at TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	entry_hash   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_owner ON ledger_entries(owner, height);
`

// SQL is a Ledger backed by sqlite3 or postgres.
type SQL struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an SQL ledger.
type Option func(*SQL)

// WithNow overrides the commit timestamp source.
func WithNow(now func() time.Time) Option {
	return func(l *SQL) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQL) {
		l.logger = logger
	}
}

// Open connects to driver ("sqlite3" or "postgres") and creates the
// ledger table if needed.
func Open(driver, dsn string, opts ...Option) (*SQL, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	if d.singleWriter {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	l := &SQL{db: db, dialect: d, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database.
func (l *SQL) Close() error {
	return l.db.Close()
}

// Commit appends e to the chain.
func (l *SQL) Commit(ctx context.Context, e Entry) (Receipt, error) {
	if !record.ValidContentID(e.ContentID) {
		return Receipt{}, fault.InvalidInput("ledger.commit", "malformed content id %q", e.ContentID)
	}
	if strings.TrimSpace(e.Owner) == "" {
		return Receipt{}, fault.InvalidInput("ledger.commit", "owner is required")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fault.Transient("ledger.commit", err)
	}
	defer tx.Rollback() // No-op if committed

	if l.dialect.lockTable != "" {
		if _, err := tx.ExecContext(ctx, l.dialect.lockTable); err != nil {
			return Receipt{}, fault.Transient("ledger.commit", err)
		}
	}

	existing, err := l.queryTx(ctx, tx, e.ContentID)
	switch {
	case err == nil:
		if existing.Owner != e.Owner {
			return Receipt{}, fault.InvalidState("ledger.commit",
				"content %s already committed to %s", e.ContentID, existing.Owner)
		}
		return Receipt{TxHash: existing.TxHash, Height: existing.Height, CommittedAt: existing.CommittedAt}, nil
	case !fault.Is(err, fault.KindNotFound):
		return Receipt{}, err
	}

	height, prevHash, err := l.head(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}
	height++

	link := chainLink{
		Height:      height,
		ContentID:   e.ContentID,
		Owner:       e.Owner,
		Metadata:    e.Metadata,
		CommittedAt: l.now().UTC(),
		PrevHash:    prevHash,
	}
	entryHash, err := link.hash()
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger.commit: %w", err)
	}
	metaJSON, err := marshalMetadata(e.Metadata)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger.commit: %w", err)
	}

	_, err = tx.ExecContext(ctx, l.dialect.rebind(`
		INSERT INTO ledger_entries
		(height, content_id, owner, metadata, committed_at, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		height,
		e.ContentID,
		e.Owner,
		metaJSON,
		record.FormatTime(link.CommittedAt),
		prevHash,
		entryHash,
	)
	if err != nil {
		return Receipt{}, fault.Transient("ledger.commit", err)
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, fault.Transient("ledger.commit", err)
	}

	l.logger.Debug("ledger entry committed", "content_id", e.ContentID, "owner", e.Owner, "height", height)
	return Receipt{TxHash: txHash(entryHash), Height: height, CommittedAt: link.CommittedAt}, nil
}

// Query looks up the ownership record for contentID.
func (l *SQL) Query(ctx context.Context, contentID string) (Ownership, error) {
	if !record.ValidContentID(contentID) {
		return Ownership{}, fault.InvalidInput("ledger.query", "malformed content id %q", contentID)
	}
	return l.queryTx(ctx, l.db, contentID)
}

// ListByOwner returns every entry owned by owner in commit order.
func (l *SQL) ListByOwner(ctx context.Context, owner string) ([]Ownership, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(`
		SELECT height, content_id, owner, metadata, committed_at, entry_hash
		FROM ledger_entries
		WHERE owner = ?
		ORDER BY height ASC
	`), owner)
	if err != nil {
		return nil, fault.Transient("ledger.list", err)
	}
	defer rows.Close()

	out := []Ownership{}
	for rows.Next() {
		o, err := scanOwnership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("ledger.list", err)
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQL) queryTx(ctx context.Context, q querier, contentID string) (Ownership, error) {
	row := q.QueryRowContext(ctx, l.dialect.rebind(`
		SELECT height, content_id, owner, metadata, committed_at, entry_hash
		FROM ledger_entries
		WHERE content_id = ?
	`), contentID)
	o, err := scanOwnership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ownership{}, fault.NotFound("ledger.query", "no ledger record for %s", contentID)
	}
	return o, err
}

func (l *SQL) head(ctx context.Context, tx *sql.Tx) (int64, string, error) {
	var (
		height int64
		hash   string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT height, entry_hash FROM ledger_entries ORDER BY height DESC LIMIT 1
	`).Scan(&height, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, genesisHash(), nil
	}
	if err != nil {
		return 0, "", fault.Transient("ledger.head", err)
	}
	return height, hash, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwnership(row rowScanner) (Ownership, error) {
	var (
		o           Ownership
		metaJSON    string
		committedAt string
		entryHash   string
	)
	if err := row.Scan(&o.Height, &o.ContentID, &o.Owner, &metaJSON, &committedAt, &entryHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ownership{}, err
		}
		return Ownership{}, fault.Transient("ledger.scan", err)
	}
	meta, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return Ownership{}, fmt.Errorf("ledger entry %d: %w", o.Height, err)
	}
	t, err := record.ParseTime(committedAt)
	if err != nil {
		return Ownership{}, fmt.Errorf("ledger entry %d: %w", o.Height, err)
	}
	o.Metadata = meta
	o.CommittedAt = t
	o.TxHash = txHash(entryHash)
	return o, nil
}

func txHash(entryHash string) string {
	return "0x" + entryHash
}

func marshalMetadata(m map[string]string) (string, error) {
	data, err := record.MarshalCanonical(metadataValue(m))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func metadataValue(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// dialect papers over the placeholder and locking differences between
// sqlite3 and postgres.
type dialect struct {
	name         string
	dollar       bool
	singleWriter bool
	lockTable    string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3":
		return dialect{name: driver, singleWriter: true}, nil
	case "postgres":
		return dialect{
			name:      driver,
			dollar:    true,
			lockTable: "LOCK TABLE ledger_entries IN EXCLUSIVE MODE",
		}, nil
	default:
		return dialect{}, fault.InvalidInput("ledger.open", "unsupported ledger driver %q", driver)
	}
}

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
