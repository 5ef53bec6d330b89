package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  name                      TEXT PRIMARY KEY,
  is_fifo                   INTEGER NOT NULL,
  visibility_timeout_s      INTEGER NOT NULL,
  message_retention_s       INTEGER NOT NULL,
  delay_s                   INTEGER NOT NULL,
  max_message_bytes         INTEGER NOT NULL,
  receive_wait_time_s       INTEGER NOT NULL,
  redrive_target_arn        TEXT,
  redrive_max_receive_count INTEGER,
  content_based_dedup       INTEGER NOT NULL,
  created_at                INTEGER NOT NULL,
  deleted_at                INTEGER,
  seq_counter               INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
  id                     TEXT PRIMARY KEY,
  queue_name             TEXT NOT NULL,
  body                   BLOB NOT NULL,
  attributes_json        TEXT,
  system_attributes_json TEXT,
  enqueued_at            INTEGER NOT NULL,
  visible_at             INTEGER NOT NULL,
  expires_at             INTEGER NOT NULL,
  receive_count          INTEGER NOT NULL DEFAULT 0,
  receipt_handle         TEXT,
  claim_epoch            INTEGER NOT NULL DEFAULT 0,
  claim_expires_at       INTEGER,
  message_group_id       TEXT,
  sequence_number        TEXT,
  deduplication_id       TEXT,
  dedup_expires_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_claim
  ON messages(queue_name, receipt_handle, visible_at, expires_at);
CREATE INDEX IF NOT EXISTS idx_messages_group
  ON messages(queue_name, message_group_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_messages_dedup
  ON messages(queue_name, message_group_id, deduplication_id, dedup_expires_at);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);
CREATE INDEX IF NOT EXISTS idx_messages_claim_expires ON messages(claim_expires_at);

CREATE TABLE IF NOT EXISTS receipt_handles (
  handle      TEXT PRIMARY KEY,
  message_id  TEXT NOT NULL,
  queue_name  TEXT NOT NULL,
  claim_epoch INTEGER NOT NULL,
  status      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipt_handles_message ON receipt_handles(message_id);
`

const (
	receiptActive     = "active"
	receiptDeleted    = "deleted"
	receiptSuperseded = "superseded"

	queueDeletedGrace = 60 * time.Second
	deletedQueueGC    = 24 * time.Hour
	dedupWindow       = 5 * time.Minute
)

// SQLiteStore is the Storage Layer, backed by a single modernc.org/sqlite
// file. One *sql.DB with a single open connection, guarded by an
// additional in-process mutex, serializes every write: a queue-scoped
// critical section is sufficient per the design, and whole-store
// serialization is simplest to get right for an embedded single-file store.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or attaches to) the sqlite file at path and applies
// forward-only schema migrations.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("store: set foreign_keys: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);
`); err != nil {
		return fmt.Errorf("store: init migrations table: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("store: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("store: unknown migration %d", v)
		}
	}

	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
		return fmt.Errorf("store: write schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// --- queue management ---------------------------------------------------

func (s *SQLiteStore) CreateQueue(ctx context.Context, name string, attrs QueueAttributes, now time.Time) (QueueAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return QueueAttributes{}, err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	existing, found, deletedAt, err := s.loadQueueRow(ctx, tx, name, true)
	if err != nil {
		return QueueAttributes{}, err
	}
	if found && deletedAt != nil {
		if now.Sub(*deletedAt) < queueDeletedGrace {
			return QueueAttributes{}, ErrQueueDeletedRecently
		}
		found = false
	}
	if found {
		if !sameAttributes(existing, attrs) {
			return QueueAttributes{}, ErrQueueExists
		}
		return existing, nil
	}

	attrs.Name = name
	attrs.CreatedAt = time.Unix(now.Unix(), 0).UTC()
	if err := s.insertQueueRow(ctx, tx, attrs); err != nil {
		return QueueAttributes{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueueAttributes{}, err
	}
	committed = true
	return attrs, nil
}

func sameAttributes(a, b QueueAttributes) bool {
	if a.IsFifo != b.IsFifo ||
		a.VisibilityTimeoutS != b.VisibilityTimeoutS ||
		a.MessageRetentionS != b.MessageRetentionS ||
		a.DelaySeconds != b.DelaySeconds ||
		a.MaxMessageBytes != b.MaxMessageBytes ||
		a.ReceiveWaitTimeS != b.ReceiveWaitTimeS ||
		a.ContentBasedDedup != b.ContentBasedDedup {
		return false
	}
	if (a.RedrivePolicy == nil) != (b.RedrivePolicy == nil) {
		return false
	}
	if a.RedrivePolicy != nil && *a.RedrivePolicy != *b.RedrivePolicy {
		return false
	}
	return true
}

func (s *SQLiteStore) insertQueueRow(ctx context.Context, tx *sql.Tx, a QueueAttributes) error {
	var arn sql.NullString
	var maxReceive sql.NullInt64
	if a.RedrivePolicy != nil {
		arn = sql.NullString{String: a.RedrivePolicy.DeadLetterTargetArn, Valid: true}
		maxReceive = sql.NullInt64{Int64: int64(a.RedrivePolicy.MaxReceiveCount), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO queues (
  name, is_fifo, visibility_timeout_s, message_retention_s, delay_s,
  max_message_bytes, receive_wait_time_s, redrive_target_arn,
  redrive_max_receive_count, content_based_dedup, created_at, deleted_at, seq_counter
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0)
ON CONFLICT(name) DO UPDATE SET
  is_fifo=excluded.is_fifo,
  visibility_timeout_s=excluded.visibility_timeout_s,
  message_retention_s=excluded.message_retention_s,
  delay_s=excluded.delay_s,
  max_message_bytes=excluded.max_message_bytes,
  receive_wait_time_s=excluded.receive_wait_time_s,
  redrive_target_arn=excluded.redrive_target_arn,
  redrive_max_receive_count=excluded.redrive_max_receive_count,
  content_based_dedup=excluded.content_based_dedup,
  created_at=excluded.created_at,
  deleted_at=NULL,
  seq_counter=0;
`,
		a.Name, boolToInt(a.IsFifo), a.VisibilityTimeoutS, a.MessageRetentionS, a.DelaySeconds,
		a.MaxMessageBytes, a.ReceiveWaitTimeS, arn, maxReceive, boolToInt(a.ContentBasedDedup), a.CreatedAt.Unix(),
	)
	return err
}

// loadQueueRow returns the queue row regardless of deleted_at when
// includeDeleted is true (used by CreateQueue to enforce the reuse grace
// window); otherwise it behaves as if deleted queues don't exist.
func (s *SQLiteStore) loadQueueRow(ctx context.Context, q querier, name string, includeDeleted bool) (QueueAttributes, bool, *time.Time, error) {
	row := q.QueryRowContext(ctx, `
SELECT is_fifo, visibility_timeout_s, message_retention_s, delay_s, max_message_bytes,
  receive_wait_time_s, redrive_target_arn, redrive_max_receive_count, content_based_dedup,
  created_at, deleted_at, seq_counter
FROM queues WHERE name = ?;
`, name)

	var isFifo, contentDedup int
	var visT, retT, delayT, maxBytes, waitT int
	var arn sql.NullString
	var maxReceive sql.NullInt64
	var createdAt int64
	var deletedAt sql.NullInt64
	var seqCounter int64

	err := row.Scan(&isFifo, &visT, &retT, &delayT, &maxBytes, &waitT, &arn, &maxReceive,
		&contentDedup, &createdAt, &deletedAt, &seqCounter)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueAttributes{}, false, nil, nil
	}
	if err != nil {
		return QueueAttributes{}, false, nil, err
	}

	if deletedAt.Valid && !includeDeleted {
		return QueueAttributes{}, false, nil, nil
	}

	attrs := QueueAttributes{
		Name:               name,
		IsFifo:             isFifo != 0,
		VisibilityTimeoutS: visT,
		MessageRetentionS:  retT,
		DelaySeconds:       delayT,
		MaxMessageBytes:    maxBytes,
		ReceiveWaitTimeS:   waitT,
		ContentBasedDedup:  contentDedup != 0,
		CreatedAt:          time.Unix(createdAt, 0).UTC(),
	}
	if arn.Valid {
		attrs.RedrivePolicy = &RedrivePolicy{DeadLetterTargetArn: arn.String, MaxReceiveCount: int(maxReceive.Int64)}
	}

	var deletedAtPtr *time.Time
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		deletedAtPtr = &t
	}
	return attrs, true, deletedAtPtr, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	_, found, deletedAt, err := s.loadQueueRow(ctx, tx, name, true)
	if err != nil {
		return err
	}
	if !found || deletedAt != nil {
		return ErrQueueNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE queue_name = ?;`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queues SET deleted_at = ? WHERE name = ?;`, now.Unix(), name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT name FROM queues WHERE deleted_at IS NULL AND name LIKE ? ORDER BY name;
`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func likePrefix(prefix string) string {
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)
	return escaped + "%"
}

func (s *SQLiteStore) GetQueueAttributes(ctx context.Context, name string) (QueueAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, found, _, err := s.loadQueueRow(ctx, s.db, name, false)
	if err != nil {
		return QueueAttributes{}, err
	}
	if !found {
		return QueueAttributes{}, ErrQueueNotFound
	}
	return attrs, nil
}

func (s *SQLiteStore) SetQueueAttributes(ctx context.Context, name string, attrs QueueAttributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	_, found, deletedAt, err := s.loadQueueRow(ctx, tx, name, true)
	if err != nil {
		return err
	}
	if !found || deletedAt != nil {
		return ErrQueueNotFound
	}

	var arn sql.NullString
	var maxReceive sql.NullInt64
	if attrs.RedrivePolicy != nil {
		arn = sql.NullString{String: attrs.RedrivePolicy.DeadLetterTargetArn, Valid: true}
		maxReceive = sql.NullInt64{Int64: int64(attrs.RedrivePolicy.MaxReceiveCount), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
UPDATE queues SET
  visibility_timeout_s = ?, message_retention_s = ?, delay_s = ?, max_message_bytes = ?,
  receive_wait_time_s = ?, redrive_target_arn = ?, redrive_max_receive_count = ?,
  content_based_dedup = ?
WHERE name = ?;
`, attrs.VisibilityTimeoutS, attrs.MessageRetentionS, attrs.DelaySeconds, attrs.MaxMessageBytes,
		attrs.ReceiveWaitTimeS, arn, maxReceive, boolToInt(attrs.ContentBasedDedup), name)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) QueueDepth(ctx context.Context, name string, now time.Time) (visible, inFlight, delayed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
SELECT
  SUM(CASE WHEN receipt_handle IS NULL AND visible_at <= ? AND expires_at > ? THEN 1 ELSE 0 END),
  SUM(CASE WHEN receipt_handle IS NOT NULL AND expires_at > ? THEN 1 ELSE 0 END),
  SUM(CASE WHEN receipt_handle IS NULL AND visible_at > ? AND expires_at > ? THEN 1 ELSE 0 END)
FROM messages WHERE queue_name = ?;
`, now.Unix(), now.Unix(), now.Unix(), now.Unix(), now.Unix(), name)

	var v, f, d sql.NullInt64
	if err = row.Scan(&v, &f, &d); err != nil {
		return 0, 0, 0, err
	}
	return int(v.Int64), int(f.Int64), int(d.Int64), nil
}

// --- enqueue --------------------------------------------------------------

func (s *SQLiteStore) Enqueue(ctx context.Context, queueName string, draft MessageDraft, now time.Time) (EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return EnqueueResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	queue, found, deletedAt, err := s.loadQueueRow(ctx, tx, queueName, false)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !found || deletedAt != nil {
		return EnqueueResult{}, ErrQueueNotFound
	}

	res, err := s.enqueueOne(ctx, tx, queue, draft, now)
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, err
	}
	committed = true
	return res, nil
}

func (s *SQLiteStore) EnqueueBatch(ctx context.Context, queueName string, drafts []MessageDraft, now time.Time) ([]EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	queue, found, deletedAt, err := s.loadQueueRow(ctx, tx, queueName, false)
	if err != nil {
		return nil, err
	}
	if !found || deletedAt != nil {
		return nil, ErrQueueNotFound
	}

	results := make([]EnqueueResult, len(drafts))
	for i, d := range drafts {
		res, err := s.enqueueOne(ctx, tx, queue, d, now)
		if err != nil {
			results[i] = EnqueueResult{Err: err}
			continue
		}
		results[i] = res
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return results, nil
}

func (s *SQLiteStore) enqueueOne(ctx context.Context, tx *sql.Tx, queue QueueAttributes, draft MessageDraft, now time.Time) (EnqueueResult, error) {
	if queue.IsFifo && draft.DeduplicationID != "" {
		var existingID, existingSeq string
		var dedupExpires int64
		err := tx.QueryRowContext(ctx, `
SELECT id, sequence_number, dedup_expires_at FROM messages
WHERE queue_name = ? AND message_group_id = ? AND deduplication_id = ? AND dedup_expires_at > ?
ORDER BY enqueued_at DESC LIMIT 1;
`, queue.Name, draft.MessageGroupID, draft.DeduplicationID, now.Unix()).Scan(&existingID, &existingSeq, &dedupExpires)
		if err == nil {
			return EnqueueResult{MessageID: existingID, SequenceNumber: existingSeq, DedupHit: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return EnqueueResult{}, err
		}
	}

	var seq string
	if queue.IsFifo {
		var err error
		seq, err = s.nextSequence(ctx, tx, queue.Name)
		if err != nil {
			return EnqueueResult{}, err
		}
	}

	id := uuid.NewString()
	visibleAt := now.Add(time.Duration(draft.DelaySeconds) * time.Second)
	expiresAt := now.Add(time.Duration(queue.MessageRetentionS) * time.Second)

	var dedupExpiresAt sql.NullInt64
	var dedupID sql.NullString
	if queue.IsFifo && draft.DeduplicationID != "" {
		dedupID = sql.NullString{String: draft.DeduplicationID, Valid: true}
		dedupExpiresAt = sql.NullInt64{Int64: now.Add(dedupWindow).Unix(), Valid: true}
	}
	var groupID sql.NullString
	var seqVal sql.NullString
	if queue.IsFifo {
		groupID = sql.NullString{String: draft.MessageGroupID, Valid: true}
		seqVal = sql.NullString{String: seq, Valid: true}
	}

	attrsJSON, err := marshalAttributes(draft.Attributes)
	if err != nil {
		return EnqueueResult{}, err
	}
	sysAttrsJSON, err := marshalAttributes(draft.SystemAttributes)
	if err != nil {
		return EnqueueResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (
  id, queue_name, body, attributes_json, system_attributes_json, enqueued_at, visible_at,
  expires_at, receive_count, receipt_handle, claim_epoch, claim_expires_at, message_group_id,
  sequence_number, deduplication_id, dedup_expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL, ?, ?, ?, ?);
`, id, queue.Name, draft.Body, attrsJSON, sysAttrsJSON, now.Unix(), visibleAt.Unix(), expiresAt.Unix(),
		groupID, seqVal, dedupID, dedupExpiresAt); err != nil {
		return EnqueueResult{}, err
	}

	return EnqueueResult{MessageID: id, SequenceNumber: seq}, nil
}

// nextSequence allocates the next FIFO sequence number for a queue. SQS
// sequence numbers are 128-bit; a 64-bit counter rendered as a zero-padded
// 20-digit decimal string keeps the lexicographic ordering AWS clients
// expect while staying inside what sqlite's INTEGER type can represent
// exactly.
func (s *SQLiteStore) nextSequence(ctx context.Context, tx *sql.Tx, queueName string) (string, error) {
	var counter int64
	if err := tx.QueryRowContext(ctx, `SELECT seq_counter FROM queues WHERE name = ?;`, queueName).Scan(&counter); err != nil {
		return "", err
	}
	counter++
	if _, err := tx.ExecContext(ctx, `UPDATE queues SET seq_counter = ? WHERE name = ?;`, counter, queueName); err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d", counter), nil
}

func marshalAttributes(attrs map[string]AttributeValue) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	buf, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

func unmarshalAttributes(raw sql.NullString) (map[string]AttributeValue, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]AttributeValue
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// --- claim / delete / visibility ------------------------------------------

func (s *SQLiteStore) Claim(ctx context.Context, queueName string, maxCount int, now time.Time, visibility time.Duration) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT m.id FROM messages m
WHERE m.queue_name = ?
  AND m.receipt_handle IS NULL
  AND m.visible_at <= ?
  AND m.expires_at > ?
  AND (
    m.message_group_id IS NULL
    OR m.sequence_number = (
      SELECT MIN(m2.sequence_number) FROM messages m2
      WHERE m2.queue_name = m.queue_name AND m2.message_group_id = m.message_group_id
    )
  )
ORDER BY m.enqueued_at ASC, m.id ASC
LIMIT ?;
`, queueName, now.Unix(), now.Unix(), maxCount)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimExpiresAt := now.Add(visibility).Unix()
	var out []Message
	for _, id := range ids {
		handle := newReceiptHandle()
		res, err := tx.ExecContext(ctx, `
UPDATE messages
SET receipt_handle = ?, claim_epoch = claim_epoch + 1, claim_expires_at = ?, receive_count = receive_count + 1
WHERE id = ? AND receipt_handle IS NULL;
`, handle, claimExpiresAt, id)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		msg, err := s.loadMessage(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO receipt_handles (handle, message_id, queue_name, claim_epoch, status)
VALUES (?, ?, ?, ?, ?);
`, handle, id, queueName, msg.ClaimEpoch, receiptActive); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (s *SQLiteStore) loadMessage(ctx context.Context, q querier, id string) (Message, error) {
	row := q.QueryRowContext(ctx, `
SELECT id, queue_name, body, attributes_json, system_attributes_json, enqueued_at, visible_at,
  expires_at, receive_count, receipt_handle, claim_epoch, claim_expires_at, message_group_id,
  sequence_number, deduplication_id, dedup_expires_at
FROM messages WHERE id = ?;
`, id)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	var attrsJSON, sysAttrsJSON sql.NullString
	var enqueuedAt, visibleAt, expiresAt int64
	var receiptHandle sql.NullString
	var claimExpiresAt sql.NullInt64
	var groupID, seq, dedupID sql.NullString
	var dedupExpiresAt sql.NullInt64

	err := row.Scan(&m.ID, &m.QueueName, &m.Body, &attrsJSON, &sysAttrsJSON, &enqueuedAt, &visibleAt,
		&expiresAt, &m.ReceiveCount, &receiptHandle, &m.ClaimEpoch, &claimExpiresAt, &groupID, &seq,
		&dedupID, &dedupExpiresAt)
	if err != nil {
		return Message{}, err
	}

	m.EnqueuedAt = time.Unix(enqueuedAt, 0).UTC()
	m.VisibleAt = time.Unix(visibleAt, 0).UTC()
	m.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if receiptHandle.Valid {
		m.ReceiptHandle = receiptHandle.String
	}
	if claimExpiresAt.Valid {
		t := time.Unix(claimExpiresAt.Int64, 0).UTC()
		m.ClaimExpiresAt = &t
	}
	if groupID.Valid {
		m.MessageGroupID = groupID.String
	}
	if seq.Valid {
		m.SequenceNumber = seq.String
	}
	if dedupID.Valid {
		m.DeduplicationID = dedupID.String
	}
	if dedupExpiresAt.Valid {
		t := time.Unix(dedupExpiresAt.Int64, 0).UTC()
		m.DedupExpiresAt = &t
	}

	m.Attributes, err = unmarshalAttributes(attrsJSON)
	if err != nil {
		return Message{}, err
	}
	m.SystemAttributes, err = unmarshalAttributes(sysAttrsJSON)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func newReceiptHandle() string {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return uuid.NewString() + uuid.NewString()
	}
	return n.Text(16)
}

func (s *SQLiteStore) AckDelete(ctx context.Context, queueName string, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	var messageID, status string
	err = tx.QueryRowContext(ctx, `SELECT message_id, status FROM receipt_handles WHERE handle = ? AND queue_name = ?;`, handle, queueName).
		Scan(&messageID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReceiptHandleInvalid
	}
	if err != nil {
		return err
	}

	switch status {
	case receiptDeleted:
		return nil // idempotent: already deleted
	case receiptSuperseded:
		return ErrReceiptHandleInvalid
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND receipt_handle = ?;`, messageID, handle)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Message vanished underneath the claim (e.g. PurgeQueue).
		if _, err := tx.ExecContext(ctx, `UPDATE receipt_handles SET status = ? WHERE handle = ?;`, receiptSuperseded, handle); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return ErrReceiptHandleInvalid
	}

	if _, err := tx.ExecContext(ctx, `UPDATE receipt_handles SET status = ? WHERE handle = ?;`, receiptDeleted, handle); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) ChangeVisibility(ctx context.Context, queueName string, handle string, newVisibility time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	var messageID, status string
	err = tx.QueryRowContext(ctx, `SELECT message_id, status FROM receipt_handles WHERE handle = ? AND queue_name = ?;`, handle, queueName).
		Scan(&messageID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReceiptHandleInvalid
	}
	if err != nil {
		return err
	}
	if status != receiptActive {
		return ErrReceiptHandleInvalid
	}

	if newVisibility <= 0 {
		res, err := tx.ExecContext(ctx, `
UPDATE messages SET receipt_handle = NULL, claim_expires_at = NULL WHERE id = ? AND receipt_handle = ?;
`, messageID, handle)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrReceiptHandleInvalid
		}
		if _, err := tx.ExecContext(ctx, `UPDATE receipt_handles SET status = ? WHERE handle = ?;`, receiptSuperseded, handle); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE messages SET claim_expires_at = ? WHERE id = ? AND receipt_handle = ?;
`, now.Add(newVisibility).Unix(), messageID, handle)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrReceiptHandleInvalid
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// --- reaper-facing operations ---------------------------------------------

func (s *SQLiteStore) ReleaseExpired(ctx context.Context, now time.Time) (ReleaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id, queue_name, receipt_handle, receive_count FROM messages
WHERE receipt_handle IS NOT NULL AND claim_expires_at <= ?;
`, now.Unix())
	if err != nil {
		return ReleaseOutcome{}, err
	}
	type expired struct {
		id, queueName, handle string
		receiveCount          int
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.queueName, &e.handle, &e.receiveCount); err != nil {
			rows.Close()
			return ReleaseOutcome{}, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ReleaseOutcome{}, err
	}
	rows.Close()

	affected := map[string]struct{}{}
	queueCache := map[string]QueueAttributes{}

	for _, e := range batch {
		if _, err := tx.ExecContext(ctx, `UPDATE receipt_handles SET status = ? WHERE handle = ? AND status = ?;`,
			receiptSuperseded, e.handle, receiptActive); err != nil {
			return ReleaseOutcome{}, err
		}

		queue, ok := queueCache[e.queueName]
		if !ok {
			queue, _, _, err = s.loadQueueRow(ctx, tx, e.queueName, false)
			if err != nil {
				return ReleaseOutcome{}, err
			}
			queueCache[e.queueName] = queue
		}

		if queue.RedrivePolicy != nil && e.receiveCount >= queue.RedrivePolicy.MaxReceiveCount {
			dlqName, err := s.moveToDLQ(ctx, tx, queue, e.id, now)
			if err != nil {
				return ReleaseOutcome{}, err
			}
			affected[e.queueName] = struct{}{}
			if dlqName != "" {
				affected[dlqName] = struct{}{}
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE messages SET receipt_handle = NULL, claim_expires_at = NULL WHERE id = ?;
`, e.id); err != nil {
			return ReleaseOutcome{}, err
		}
		affected[e.queueName] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return ReleaseOutcome{}, err
	}
	committed = true
	return ReleaseOutcome{AffectedQueues: affected}, nil
}

// moveToDLQ deletes the source message and inserts a copy into the queue's
// configured dead-letter queue, carrying a SourceQueue system attribute. If
// the DLQ no longer exists, the message is dropped (deleted) and "" is
// returned.
func (s *SQLiteStore) moveToDLQ(ctx context.Context, tx *sql.Tx, source QueueAttributes, messageID string, now time.Time) (string, error) {
	msg, err := s.loadMessage(ctx, tx, messageID)
	if err != nil {
		return "", err
	}

	dlqName := arnToQueueName(source.RedrivePolicy.DeadLetterTargetArn)
	dlq, found, deletedAt, err := s.loadQueueRow(ctx, tx, dlqName, false)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, messageID); err != nil {
		return "", err
	}
	if !found || deletedAt != nil {
		return "", nil
	}

	sysAttrs := msg.SystemAttributes
	if sysAttrs == nil {
		sysAttrs = map[string]AttributeValue{}
	}
	sysAttrs["SourceQueue"] = AttributeValue{DataType: "String", StringValue: source.Name}

	draft := MessageDraft{
		Body:             msg.Body,
		Attributes:       msg.Attributes,
		SystemAttributes: sysAttrs,
	}
	if dlq.IsFifo {
		draft.MessageGroupID = msg.MessageGroupID
		if draft.MessageGroupID == "" {
			draft.MessageGroupID = "dead-letter"
		}
	}
	if _, err := s.enqueueOne(ctx, tx, dlq, draft, now); err != nil {
		return "", err
	}
	return dlq.Name, nil
}

func arnToQueueName(arn string) string {
	idx := strings.LastIndex(arn, ":")
	if idx == -1 {
		return arn
	}
	return arn[idx+1:]
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			rollback(tx)
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE expires_at <= ?;`, now.Unix()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM receipt_handles WHERE status != ? AND message_id NOT IN (SELECT id FROM messages);
`, receiptActive); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM queues WHERE deleted_at IS NOT NULL AND deleted_at <= ?;
`, now.Add(-deletedQueueGC).Unix()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) PurgeQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, deletedAt, err := s.loadQueueRow(ctx, s.db, name, false)
	if err != nil {
		return err
	}
	if !found || deletedAt != nil {
		return ErrQueueNotFound
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE queue_name = ?;`, name)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
