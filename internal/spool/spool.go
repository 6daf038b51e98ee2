// Package spool keeps job descriptors in a local sqlite file so request lines
// are on disk before the records they describe are claimed in the store.
package spool

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a descriptor does not exist.
var ErrNotFound = errors.New("descriptor not found")

// State is the lifecycle stage of a spooled descriptor.
type State string

const (
	StateOpen      State = "open"      // still receiving lines
	StateSealed    State = "sealed"    // complete, waiting for submission
	StateSubmitted State = "submitted" // accepted by the batch service
)

// Line is one request line of a descriptor.
type Line struct {
	Seq      int    `db:"seq"`
	CustomID string `db:"custom_id"`
	Payload  []byte `db:"payload"`
	Claimed  bool   `db:"claimed"`
}

// Descriptor is a spooled job descriptor and its lines in append order.
type Descriptor struct {
	ID        uuid.UUID
	State     State
	JobHandle string
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload returns the claimed lines joined as JSONL.
func (d *Descriptor) Payload() []byte {
	var buf bytes.Buffer
	for _, l := range d.Lines {
		if !l.Claimed {
			continue
		}
		buf.Write(l.Payload)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ClaimedCount is the number of lines whose record was claimed.
func (d *Descriptor) ClaimedCount() int {
	n := 0
	for _, l := range d.Lines {
		if l.Claimed {
			n++
		}
	}
	return n
}

type descriptorRow struct {
	ID        string `db:"id"`
	State     State  `db:"state"`
	JobHandle string `db:"job_handle"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS descriptors (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	job_handle TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS descriptor_lines (
	descriptor_id TEXT NOT NULL REFERENCES descriptors(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	custom_id     TEXT NOT NULL,
	payload       BLOB NOT NULL,
	claimed       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (descriptor_id, seq)
);
CREATE INDEX IF NOT EXISTS descriptor_lines_custom_id ON descriptor_lines (descriptor_id, custom_id);
`

// Spool is a sqlite backed descriptor store. It is safe for concurrent use.
type Spool struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or opens the spool file at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init spool schema: %w", err)
	}
	logger.Info("spool.open", "path", path)
	return &Spool{db: db, logger: logger, now: time.Now}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

// Create starts a new open descriptor and returns its id. The id doubles as
// the claim id of every record the descriptor covers.
func (s *Spool) Create(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	ts := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO descriptors (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id.String(), string(StateOpen), ts, ts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create descriptor: %w", err)
	}
	s.logger.Debug("spool.descriptor.create", "descriptor_id", id)
	return id, nil
}

// Append durably adds lines to an open descriptor in one transaction.
func (s *Spool) Append(ctx context.Context, id uuid.UUID, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state State
	if err := tx.GetContext(ctx, &state, `SELECT state FROM descriptors WHERE id = ?`, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("descriptor %s: %w", id, ErrNotFound)
		}
		return err
	}
	if state != StateOpen {
		return fmt.Errorf("descriptor %s is %s, not open", id, state)
	}

	var next int
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM descriptor_lines WHERE descriptor_id = ?`, id.String()); err != nil {
		return err
	}
	for i, l := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO descriptor_lines (descriptor_id, seq, custom_id, payload, claimed) VALUES (?, ?, ?, ?, 0)`,
			id.String(), next+i, l.CustomID, l.Payload); err != nil {
			return fmt.Errorf("append line %s: %w", l.CustomID, err)
		}
	}
	if err := s.touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkClaimed flags the lines whose records were claimed in the store.
func (s *Spool) MarkClaimed(ctx context.Context, id uuid.UUID, customIDs []string) error {
	if len(customIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, cid := range customIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE descriptor_lines SET claimed = 1 WHERE descriptor_id = ? AND custom_id = ?`,
			id.String(), cid); err != nil {
			return fmt.Errorf("mark claimed %s: %w", cid, err)
		}
	}
	if err := s.touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DropUnclaimed removes lines that never got their record claimed.
func (s *Spool) DropUnclaimed(ctx context.Context, id uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM descriptor_lines WHERE descriptor_id = ? AND claimed = 0`, id.String())
	if err != nil {
		return 0, fmt.Errorf("drop unclaimed lines: %w", err)
	}
	return res.RowsAffected()
}

// Seal closes an open descriptor to further appends.
func (s *Spool) Seal(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StateOpen, StateSealed, "")
}

// MarkSubmitted records the job handle the batch service returned.
func (s *Spool) MarkSubmitted(ctx context.Context, id uuid.UUID, handle string) error {
	return s.transition(ctx, id, StateSealed, StateSubmitted, handle)
}

func (s *Spool) transition(ctx context.Context, id uuid.UUID, from, to State, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE descriptors SET state = ?, job_handle = CASE WHEN ? <> '' THEN ? ELSE job_handle END, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(to), handle, handle, s.now().UnixNano(), id.String(), string(from))
	if err != nil {
		return fmt.Errorf("descriptor %s %s -> %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		d, err := s.Load(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("descriptor %s is %s, expected %s", id, d.State, from)
	}
	s.logger.Debug("spool.descriptor.transition", "descriptor_id", id, "from", from, "to", to)
	return nil
}

// Delete removes a descriptor and its lines.
func (s *Spool) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM descriptors WHERE id = ?`, id.String())
	return err
}

// Load returns a descriptor with its lines ordered by seq.
func (s *Spool) Load(ctx context.Context, id uuid.UUID) (*Descriptor, error) {
	var row descriptorRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, state, job_handle, created_at, updated_at FROM descriptors WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("descriptor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, row)
}

func (s *Spool) hydrate(ctx context.Context, row descriptorRow) (*Descriptor, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("descriptor id %q: %w", row.ID, err)
	}
	lines := make([]Line, 0)
	if err := s.db.SelectContext(ctx, &lines,
		`SELECT seq, custom_id, payload, claimed FROM descriptor_lines WHERE descriptor_id = ? ORDER BY seq`,
		row.ID); err != nil {
		return nil, err
	}
	return &Descriptor{
		ID:        id,
		State:     row.State,
		JobHandle: row.JobHandle,
		Lines:     lines,
		CreatedAt: time.Unix(0, row.CreatedAt),
		UpdatedAt: time.Unix(0, row.UpdatedAt),
	}, nil
}

// Pending returns every descriptor not yet submitted, oldest first.
func (s *Spool) Pending(ctx context.Context) ([]*Descriptor, error) {
	var rows []descriptorRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, state, job_handle, created_at, updated_at FROM descriptors
		WHERE state <> ? ORDER BY created_at, id`, string(StateSubmitted)); err != nil {
		return nil, err
	}
	out := make([]*Descriptor, 0, len(rows))
	for _, row := range rows {
		d, err := s.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// PendingIDs returns the ids of descriptors not yet submitted.
func (s *Spool) PendingIDs(ctx context.Context) ([]uuid.UUID, error) {
	var raw []string
	if err := s.db.SelectContext(ctx, &raw,
		`SELECT id FROM descriptors WHERE state <> ? ORDER BY created_at, id`, string(StateSubmitted)); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("descriptor id %q: %w", r, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Recover finishes descriptors left open by an interrupted run: unclaimed
// lines are dropped, empty descriptors deleted and the rest sealed. It
// returns every sealed descriptor still waiting for submission.
func (s *Spool) Recover(ctx context.Context) ([]*Descriptor, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Descriptor, 0, len(pending))
	for _, d := range pending {
		if d.State == StateOpen {
			dropped, err := s.DropUnclaimed(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			if d.ClaimedCount() == 0 {
				if err := s.Delete(ctx, d.ID); err != nil {
					return nil, err
				}
				s.logger.Info("spool.recover.delete_empty", "descriptor_id", d.ID, "dropped", dropped)
				continue
			}
			if err := s.Seal(ctx, d.ID); err != nil {
				return nil, err
			}
			s.logger.Info("spool.recover.seal", "descriptor_id", d.ID, "lines", d.ClaimedCount(), "dropped", dropped)
			if d, err = s.Load(ctx, d.ID); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// PurgeSubmitted deletes submitted descriptors last updated before cutoff.
func (s *Spool) PurgeSubmitted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM descriptors WHERE state = ? AND updated_at < ?`, string(StateSubmitted), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Spool) touch(ctx context.Context, ex sqlx.ExecerContext, id uuid.UUID) error {
	_, err := ex.ExecContext(ctx, `UPDATE descriptors SET updated_at = ? WHERE id = ?`, s.now().UnixNano(), id.String())
	return err
}
