package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/courier/pkg/types"
)

// PostgresStore implements Store on a pgx connection pool. All message
// mutations run inside explicit transactions; notifications use pg_notify so
// they are delivered only when the surrounding transaction commits.
type PostgresStore struct {
	pool    *pgxpool.Pool
	channel string
}

// Config holds PostgresStore settings
type Config struct {
	DSN          string
	MaxConns     int32
	EventChannel string
}

// NewPostgresStore connects to the database and verifies connectivity
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	channel := cfg.EventChannel
	if channel == "" {
		channel = "queue_events"
	}

	return &PostgresStore{pool: pool, channel: channel}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTxn runs fn inside a transaction
func (s *PostgresStore) WithTxn(ctx context.Context, fn func(tx Txn) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}

	ptx := &pgxTxn{tx: tx, channel: s.channel}
	if err := fn(ptx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps database errors onto the storage error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return fmt.Errorf("%w: %s", ErrTransient, pgErr.Code)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return fmt.Errorf("%w: %s", ErrTransient, pgErr.Code)
		}
		return err
	}

	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

const messageColumns = `id, queue, type, priority, payload, payload_size, status,
	attempt_count, custom_max_attempts, custom_ack_timeout, consumer_id,
	lock_token, locked_at, locked_until, created_at, acknowledged_at,
	error_reason, prev_consumer_id, prev_lock_token`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		m              types.Message
		msgType        *string
		consumerID     *string
		lockToken      *string
		errorReason    *string
		prevConsumerID *string
		prevLockToken  *string
	)

	err := row.Scan(
		&m.ID, &m.Queue, &msgType, &m.Priority, &m.Payload, &m.PayloadSize,
		&m.Status, &m.AttemptCount, &m.CustomMaxAttempts, &m.CustomAckTimeout,
		&consumerID, &lockToken, &m.LockedAt, &m.LockedUntil, &m.CreatedAt,
		&m.AcknowledgedAt, &errorReason, &prevConsumerID, &prevLockToken,
	)
	if err != nil {
		return nil, err
	}

	m.Type = deref(msgType)
	m.ConsumerID = deref(consumerID)
	m.LockToken = deref(lockToken)
	m.ErrorReason = deref(errorReason)
	m.PrevConsumerID = deref(prevConsumerID)
	m.PrevLockToken = deref(prevLockToken)
	return &m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pgxTxn implements Txn on a pgx transaction
type pgxTxn struct {
	tx      pgx.Tx
	channel string
}

func (t *pgxTxn) InsertMessage(ctx context.Context, msg *types.Message) error {
	return t.InsertMessages(ctx, []*types.Message{msg})
}

func (t *pgxTxn) InsertMessages(ctx context.Context, msgs []*types.Message) error {
	for _, msg := range msgs {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO messages (
				id, queue, type, priority, payload, payload_size, status,
				attempt_count, custom_max_attempts, custom_ack_timeout, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			msg.ID, msg.Queue, nullable(msg.Type), msg.Priority, msg.Payload,
			msg.PayloadSize, msg.Status, msg.AttemptCount,
			msg.CustomMaxAttempts, msg.CustomAckTimeout, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, classify(err))
		}
	}
	return nil
}

func (t *pgxTxn) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

func (t *pgxTxn) GetMessageForUpdate(ctx context.Context, id string) (*types.Message, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

func (t *pgxTxn) UpdateMessage(ctx context.Context, msg *types.Message) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE messages SET
			queue = $2,
			priority = $3,
			status = $4,
			attempt_count = $5,
			consumer_id = $6,
			lock_token = $7,
			locked_at = $8,
			locked_until = $9,
			acknowledged_at = $10,
			error_reason = $11,
			prev_consumer_id = $12,
			prev_lock_token = $13
		WHERE id = $1`,
		msg.ID, msg.Queue, msg.Priority, msg.Status, msg.AttemptCount,
		nullable(msg.ConsumerID), nullable(msg.LockToken),
		msg.LockedAt, msg.LockedUntil, msg.AcknowledgedAt,
		nullable(msg.ErrorReason), nullable(msg.PrevConsumerID),
		nullable(msg.PrevLockToken),
	)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", msg.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func buildMessageWhere(filter MessageFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Queue != "" {
		add("queue = $%d", filter.Queue)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", filter.IDs)
	}
	if !filter.AckedBefore.IsZero() {
		add("acknowledged_at < $%d", filter.AckedBefore)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (t *pgxTxn) DeleteMessages(ctx context.Context, filter MessageFilter) ([]string, error) {
	where, args := buildMessageWhere(filter)
	rows, err := t.tx.Query(ctx, `DELETE FROM messages`+where+` RETURNING id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", classify(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

func (t *pgxTxn) ListMessages(ctx context.Context, filter MessageFilter) ([]*types.Message, error) {
	where, args := buildMessageWhere(filter)
	query := `SELECT ` + messageColumns + ` FROM messages` + where +
		` ORDER BY priority DESC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", classify(err))
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, classify(rows.Err())
}

func (t *pgxTxn) LockAndClaim(ctx context.Context, spec ClaimSpec) ([]*types.Message, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent consumers from blocking on
	// each other's claims; whatever is already locked is simply not ready.
	rows, err := t.tx.Query(ctx, `
		UPDATE messages m SET
			status = 'processing',
			consumer_id = $1,
			prev_consumer_id = m.consumer_id,
			prev_lock_token = m.lock_token,
			lock_token = gen_random_uuid()::text,
			locked_at = now(),
			locked_until = now() + make_interval(secs =>
				COALESCE($2::int,
					CASE WHEN m.custom_ack_timeout > 0 THEN m.custom_ack_timeout END,
					$3)),
			error_reason = NULL
		FROM (
			SELECT id FROM messages
			WHERE queue = $4
			  AND status = 'queued'
			  AND ($5::text IS NULL OR type = $5)
			ORDER BY priority DESC, created_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		) ready
		WHERE m.id = ready.id
		RETURNING `+qualified(messageColumns, "m"),
		spec.ConsumerID, spec.AckTimeoutOverride, spec.DefaultAckTimeout,
		spec.Queue, nullable(spec.TypeFilter), spec.Count,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", classify(err))
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	// UPDATE ... RETURNING does not preserve the subquery order
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// qualified prefixes every column in list with the given table alias
func qualified(list, alias string) string {
	cols := strings.Split(list, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (t *pgxTxn) FindExpiredLocks(ctx context.Context, now time.Time) ([]*types.Message, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = 'processing' AND locked_until < $1
		ORDER BY locked_until ASC
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired locks: %w", classify(err))
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, classify(rows.Err())
}

func (t *pgxTxn) CountMessages(ctx context.Context, queue string) (*types.QueueCounts, error) {
	return countMessages(ctx, t.tx, queue)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func countMessages(ctx context.Context, q queryer, queue string) (*types.QueueCounts, error) {
	rows, err := q.Query(ctx,
		`SELECT status, count(*) FROM messages WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", classify(err))
	}
	defer rows.Close()

	counts := &types.QueueCounts{}
	for rows.Next() {
		var (
			status types.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		switch status {
		case types.StatusQueued:
			counts.Queued = n
		case types.StatusProcessing:
			counts.Processing = n
		case types.StatusDead:
			counts.Dead = n
		case types.StatusAcknowledged:
			counts.Acknowledged = n
		case types.StatusArchived:
			counts.Archived = n
		}
	}
	return counts, classify(rows.Err())
}

func (t *pgxTxn) AppendActivity(ctx context.Context, entry *types.ActivityEntry) error {
	var (
		anomalyType     *string
		anomalySeverity *string
		anomalyDetails  []byte
	)
	if entry.Anomaly != nil {
		at := string(entry.Anomaly.Type)
		as := string(entry.Anomaly.Severity)
		anomalyType, anomalySeverity = &at, &as
		if entry.Anomaly.Details != nil {
			data, err := json.Marshal(entry.Anomaly.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal anomaly details: %w", err)
			}
			anomalyDetails = data
		}
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO activity_log (
			message_id, action, timestamp, queue, source_queue, dest_queue,
			source_status, dest_status, priority, message_type, consumer_id,
			prev_consumer_id, lock_token, prev_lock_token, attempt_count,
			max_attempts, attempts_remaining, message_created_at,
			message_age_ms, time_in_queue_ms, processing_time_ms,
			total_processing_time_ms, payload_size_bytes, queue_depth,
			processing_depth, dlq_depth, error_reason, error_code,
			triggered_by, user_id, reason, batch_id, batch_size, prev_action,
			prev_timestamp, payload_snapshot, anomaly_type, anomaly_severity,
			anomaly_details
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
			$29, $30, $31, $32, $33, $34, $35, $36, $37, $38, $39
		) RETURNING log_id`,
		nullable(entry.MessageID), entry.Action, entry.Timestamp, entry.Queue,
		nullable(entry.SourceQueue), nullable(entry.DestQueue),
		nullable(string(entry.SourceStatus)), nullable(string(entry.DestStatus)),
		entry.Priority, nullable(entry.MessageType),
		nullable(entry.ConsumerID), nullable(entry.PrevConsumerID),
		nullable(entry.LockToken), nullable(entry.PrevLockToken),
		entry.AttemptCount, entry.MaxAttempts, entry.AttemptsRemaining,
		entry.MessageCreatedAt, entry.MessageAgeMs, entry.TimeInQueueMs,
		entry.ProcessingTimeMs, entry.TotalProcessingTimeMs,
		entry.PayloadSizeBytes, entry.QueueDepth, entry.ProcessingDepth,
		entry.DLQDepth, nullable(entry.ErrorReason), nullable(entry.ErrorCode),
		nullable(entry.TriggeredBy), nullable(entry.UserID),
		nullable(entry.Reason), nullable(entry.BatchID), entry.BatchSize,
		nullable(string(entry.PrevAction)), entry.PrevTimestamp,
		entry.PayloadSnapshot, anomalyType, anomalySeverity, anomalyDetails,
	).Scan(&entry.LogID)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", classify(err))
	}
	return nil
}

const activityColumns = `log_id, message_id, action, timestamp, queue,
	source_queue, dest_queue, source_status, dest_status, priority,
	message_type, consumer_id, prev_consumer_id, lock_token, prev_lock_token,
	attempt_count, max_attempts, attempts_remaining, message_created_at,
	message_age_ms, time_in_queue_ms, processing_time_ms,
	total_processing_time_ms, payload_size_bytes, queue_depth,
	processing_depth, dlq_depth, error_reason, error_code, triggered_by,
	user_id, reason, batch_id, batch_size, prev_action, prev_timestamp,
	payload_snapshot, anomaly_type, anomaly_severity, anomaly_details`

func scanActivity(row rowScanner) (*types.ActivityEntry, error) {
	var (
		e               types.ActivityEntry
		messageID       *string
		sourceQueue     *string
		destQueue       *string
		sourceStatus    *string
		destStatus      *string
		messageType     *string
		consumerID      *string
		prevConsumerID  *string
		lockToken       *string
		prevLockToken   *string
		errorReason     *string
		errorCode       *string
		triggeredBy     *string
		userID          *string
		reason          *string
		batchID         *string
		prevAction      *string
		anomalyType     *string
		anomalySeverity *string
		anomalyDetails  []byte
	)

	err := row.Scan(
		&e.LogID, &messageID, &e.Action, &e.Timestamp, &e.Queue,
		&sourceQueue, &destQueue, &sourceStatus, &destStatus, &e.Priority,
		&messageType, &consumerID, &prevConsumerID, &lockToken, &prevLockToken,
		&e.AttemptCount, &e.MaxAttempts, &e.AttemptsRemaining,
		&e.MessageCreatedAt, &e.MessageAgeMs, &e.TimeInQueueMs,
		&e.ProcessingTimeMs, &e.TotalProcessingTimeMs, &e.PayloadSizeBytes,
		&e.QueueDepth, &e.ProcessingDepth, &e.DLQDepth, &errorReason,
		&errorCode, &triggeredBy, &userID, &reason, &batchID, &e.BatchSize,
		&prevAction, &e.PrevTimestamp, &e.PayloadSnapshot, &anomalyType,
		&anomalySeverity, &anomalyDetails,
	)
	if err != nil {
		return nil, err
	}

	e.MessageID = deref(messageID)
	e.SourceQueue = deref(sourceQueue)
	e.DestQueue = deref(destQueue)
	e.SourceStatus = types.Status(deref(sourceStatus))
	e.DestStatus = types.Status(deref(destStatus))
	e.MessageType = deref(messageType)
	e.ConsumerID = deref(consumerID)
	e.PrevConsumerID = deref(prevConsumerID)
	e.LockToken = deref(lockToken)
	e.PrevLockToken = deref(prevLockToken)
	e.ErrorReason = deref(errorReason)
	e.ErrorCode = deref(errorCode)
	e.TriggeredBy = deref(triggeredBy)
	e.UserID = deref(userID)
	e.Reason = deref(reason)
	e.BatchID = deref(batchID)
	e.PrevAction = types.Action(deref(prevAction))

	if anomalyType != nil {
		anomaly := &types.Anomaly{
			Type:       types.AnomalyType(*anomalyType),
			Severity:   types.Severity(deref(anomalySeverity)),
			MessageID:  e.MessageID,
			ConsumerID: e.ConsumerID,
		}
		if len(anomalyDetails) > 0 {
			if err := json.Unmarshal(anomalyDetails, &anomaly.Details); err != nil {
				return nil, fmt.Errorf("failed to decode anomaly details: %w", err)
			}
		}
		e.Anomaly = anomaly
	}
	return &e, nil
}

func (t *pgxTxn) LastActivity(ctx context.Context, messageID string) (*types.ActivityEntry, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+activityColumns+` FROM activity_log
		WHERE message_id = $1
		ORDER BY log_id DESC
		LIMIT 1`, messageID)
	entry, err := scanActivity(row)
	if err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

func (t *pgxTxn) Notify(ctx context.Context, event types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	// pg_notify delivers only on commit, which gives post-commit semantics
	// without a second round trip.
	if _, err := t.tx.Exec(ctx, `SELECT pg_notify($1, $2)`, t.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", classify(err))
	}
	return nil
}

func (t *pgxTxn) GetQueue(ctx context.Context, name string) (*types.Queue, error) {
	return getQueue(ctx, t.tx, name)
}

const queueColumns = `name, type, ack_timeout_seconds, max_attempts,
	partition_interval, retention_seconds, description, created_at, updated_at`

type rowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getQueue(ctx context.Context, q rowQueryer, name string) (*types.Queue, error) {
	var (
		queue             types.Queue
		partitionInterval *string
		description       *string
	)
	err := q.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE name = $1`, name,
	).Scan(
		&queue.Name, &queue.Type, &queue.AckTimeoutSeconds, &queue.MaxAttempts,
		&partitionInterval, &queue.RetentionSeconds, &description,
		&queue.CreatedAt, &queue.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	queue.PartitionInterval = types.PartitionInterval(deref(partitionInterval))
	queue.Description = deref(description)
	return &queue, nil
}

// Queue operations on the pool (outside engine transactions)

func (s *PostgresStore) CreateQueue(ctx context.Context, q *types.Queue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (
			name, type, ack_timeout_seconds, max_attempts, partition_interval,
			retention_seconds, description, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.Name, q.Type, q.AckTimeoutSeconds, q.MaxAttempts,
		nullable(string(q.PartitionInterval)), q.RetentionSeconds,
		nullable(q.Description), q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", q.Name, classify(err))
	}
	return nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, name string) (*types.Queue, error) {
	return getQueue(ctx, s.pool, name)
}

func (s *PostgresStore) ListQueues(ctx context.Context) ([]*types.Queue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM queues ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", classify(err))
	}
	defer rows.Close()

	var queues []*types.Queue
	for rows.Next() {
		var (
			queue             types.Queue
			partitionInterval *string
			description       *string
		)
		err := rows.Scan(
			&queue.Name, &queue.Type, &queue.AckTimeoutSeconds,
			&queue.MaxAttempts, &partitionInterval, &queue.RetentionSeconds,
			&description, &queue.CreatedAt, &queue.UpdatedAt,
		)
		if err != nil {
			return nil, classify(err)
		}
		queue.PartitionInterval = types.PartitionInterval(deref(partitionInterval))
		queue.Description = deref(description)
		queues = append(queues, &queue)
	}
	return queues, classify(rows.Err())
}

func (s *PostgresStore) UpdateQueue(ctx context.Context, q *types.Queue) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queues SET
			ack_timeout_seconds = $2,
			max_attempts = $3,
			retention_seconds = $4,
			description = $5,
			updated_at = $6
		WHERE name = $1`,
		q.Name, q.AckTimeoutSeconds, q.MaxAttempts, q.RetentionSeconds,
		nullable(q.Description), q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue %s: %w", q.Name, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RenameQueue(ctx context.Context, oldName, newName string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE queues SET name = $2, updated_at = now() WHERE name = $1`,
		oldName, newName)
	if err != nil {
		return fmt.Errorf("failed to rename queue: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE messages SET queue = $2 WHERE queue = $1`, oldName, newName); err != nil {
		return fmt.Errorf("failed to rename message references: %w", classify(err))
	}
	if _, err := tx.Exec(ctx, `
		UPDATE activity_log SET
			queue = CASE WHEN queue = $1 THEN $2 ELSE queue END,
			source_queue = CASE WHEN source_queue = $1 THEN $2 ELSE source_queue END,
			dest_queue = CASE WHEN dest_queue = $1 THEN $2 ELSE dest_queue END
		WHERE queue = $1 OR source_queue = $1 OR dest_queue = $1`,
		oldName, newName); err != nil {
		return fmt.Errorf("failed to rename activity references: %w", classify(err))
	}

	return classify(tx.Commit(ctx))
}

func (s *PostgresStore) DeleteQueue(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", name, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, queue string) (*types.QueueCounts, error) {
	return countMessages(ctx, s.pool, queue)
}

func (s *PostgresStore) PruneActivity(ctx context.Context, queue string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM activity_log WHERE queue = $1 AND timestamp < $2`, queue, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", classify(err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]*types.ActivityEntry, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Queue != "" {
		add("queue = $%d", filter.Queue)
	}
	if filter.MessageID != "" {
		add("message_id = $%d", filter.MessageID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}

	query := `SELECT ` + activityColumns + ` FROM activity_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY log_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", classify(err))
	}
	defer rows.Close()

	var entries []*types.ActivityEntry
	for rows.Next() {
		entry, err := scanActivity(rows)
		if err != nil {
			return nil, classify(err)
		}
		entries = append(entries, entry)
	}
	return entries, classify(rows.Err())
}
