package autonomous

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresConfig holds configuration for the Postgres connection.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store over Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreFromDSN opens a connection and verifies it.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, task_key, user_id, conversation_id, initial_prompt, model_id,
	   max_steps, current_step, status, session_state, parent_task_id, spawn_depth,
	   config, channel_account_id, channel_id, channel_thread_id, progress_summary,
	   final_output, error_message, last_activity_at, timeout_ms, created_at, updated_at`

// CreateTask inserts a new task row.
func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}

	stateJSON, err := json.Marshal(task.SessionState)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autonomous_tasks (
			id, task_key, user_id, conversation_id, initial_prompt, model_id,
			max_steps, current_step, status, session_state, parent_task_id, spawn_depth,
			config, channel_account_id, channel_id, channel_thread_id, progress_summary,
			final_output, error_message, last_activity_at, timeout_ms, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				  $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`,
		task.ID,
		task.TaskKey,
		task.UserID,
		nullableString(task.ConversationID),
		task.InitialPrompt,
		nullableString(task.ModelID),
		task.MaxSteps,
		task.CurrentStep,
		string(task.Status),
		stateJSON,
		nullableString(task.ParentTaskID),
		task.SpawnDepth,
		configJSON,
		nullableString(task.ChannelAccountID),
		nullableString(task.ChannelID),
		nullableString(task.ChannelThreadID),
		nullableString(task.ProgressSummary),
		nullableString(task.FinalOutput),
		nullableString(task.ErrorMessage),
		task.LastActivityAt,
		task.Timeout.Milliseconds(),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTaskByKey retrieves a task by its unique key.
func (s *PostgresStore) GetTaskByKey(ctx context.Context, taskKey string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM autonomous_tasks WHERE task_key = $1
	`, taskKey)

	task, err := scanAutonomousTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask rewrites the mutable columns of a task.
func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}

	stateJSON, err := json.Marshal(task.SessionState)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	task.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE autonomous_tasks SET
			conversation_id = $2,
			model_id = $3,
			max_steps = $4,
			current_step = $5,
			status = $6,
			session_state = $7,
			config = $8,
			progress_summary = $9,
			final_output = $10,
			error_message = $11,
			last_activity_at = $12,
			updated_at = $13
		WHERE task_key = $1
	`,
		task.TaskKey,
		nullableString(task.ConversationID),
		nullableString(task.ModelID),
		task.MaxSteps,
		task.CurrentStep,
		string(task.Status),
		stateJSON,
		configJSON,
		nullableString(task.ProgressSummary),
		nullableString(task.FinalOutput),
		nullableString(task.ErrorMessage),
		task.LastActivityAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// SaveProgress merges a step advance into the stored session state under a
// row lock, so concurrent savers never clobber each other's keys.
func (s *PostgresStore) SaveProgress(ctx context.Context, taskKey string, update ProgressUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var stateJSON []byte
	err = tx.QueryRowContext(ctx, `
		SELECT session_state FROM autonomous_tasks WHERE task_key = $1 FOR UPDATE
	`, taskKey).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("save progress: %w", ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}

	state, err := UnmarshalSessionState(stateJSON)
	if err != nil {
		return err
	}
	state.MergeData(update.StatePatch)

	merged, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE autonomous_tasks SET
			current_step = $2,
			progress_summary = $3,
			session_state = $4,
			last_activity_at = $5,
			updated_at = $6
		WHERE task_key = $1
	`,
		taskKey,
		update.Step,
		nullableString(update.Summary),
		merged,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetStatus transitions a task's status with an optional reason string.
func (s *PostgresStore) SetStatus(ctx context.Context, taskKey string, status Status, errMsg string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE autonomous_tasks SET
			status = $2,
			error_message = $3,
			last_activity_at = $4,
			updated_at = $5
		WHERE task_key = $1
	`,
		taskKey,
		string(status),
		nullableString(errMsg),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set status: %w", ErrTaskNotFound)
	}
	return nil
}

// ListTasksByStatus returns tasks in the given status, oldest activity first.
func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM autonomous_tasks
		WHERE status = $1
		ORDER BY last_activity_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListChildren returns the tasks spawned by a parent.
func (s *PostgresStore) ListChildren(ctx context.Context, parentTaskID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM autonomous_tasks
		WHERE parent_task_id = $1
		ORDER BY created_at ASC
	`, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// AcquirePendingTask claims the oldest pending task and marks it running.
// FOR UPDATE SKIP LOCKED ensures only one worker acquires each task.
func (s *PostgresStore) AcquirePendingTask(ctx context.Context) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM autonomous_tasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(StatusPending))

	task, err := scanAutonomousTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE autonomous_tasks SET
			status = $1,
			last_activity_at = $2,
			updated_at = $3
		WHERE id = $4
	`,
		string(StatusRunning),
		now,
		now,
		task.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = StatusRunning
	task.LastActivityAt = now
	return task, nil
}

// CreateMessage inserts a mailbox entry.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *TaskMessage) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_messages (
			id, from_task_key, to_task_key, message_type, payload, status, created_at, read_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		msg.ID,
		msg.FromTaskKey,
		msg.ToTaskKey,
		string(msg.MessageType),
		[]byte(msg.Payload),
		string(msg.Status),
		msg.CreatedAt,
		nullableTime(msg.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// GetMessages returns messages addressed to the task key, oldest first.
func (s *PostgresStore) GetMessages(ctx context.Context, toTaskKey string, unreadOnly bool) ([]*TaskMessage, error) {
	query := `
		SELECT id, from_task_key, to_task_key, message_type, payload, status, created_at, read_at
		FROM task_messages
		WHERE to_task_key = $1
	`
	args := []any{toTaskKey}

	if unreadOnly {
		query += ` AND status = $2`
		args = append(args, string(MessageStatusPending))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []*TaskMessage
	for rows.Next() {
		msg, err := scanTaskMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// MarkMessagesRead moves pending messages to read. The status guard keeps
// transitions forward only.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, ids []string, readAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_messages SET status = $1, read_at = $2
		WHERE id = ANY($3) AND status = $4
	`,
		string(MessageStatusRead),
		readAt,
		pq.Array(ids),
		string(MessageStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

// MarkMessagesProcessed moves read messages to processed.
func (s *PostgresStore) MarkMessagesProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_messages SET status = $1
		WHERE id = ANY($2) AND status = $3
	`,
		string(MessageStatusProcessed),
		pq.Array(ids),
		string(MessageStatusRead),
	)
	if err != nil {
		return fmt.Errorf("mark messages processed: %w", err)
	}
	return nil
}

// Scanner interface for both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanAutonomousTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanAutonomousTask(s scanner) (*Task, error) {
	var task Task
	var (
		conversationID   sql.NullString
		modelID          sql.NullString
		status           string
		stateJSON        []byte
		parentTaskID     sql.NullString
		configJSON       []byte
		channelAccountID sql.NullString
		channelID        sql.NullString
		channelThreadID  sql.NullString
		progressSummary  sql.NullString
		finalOutput      sql.NullString
		errorMessage     sql.NullString
		timeoutMs        int64
	)

	err := s.Scan(
		&task.ID,
		&task.TaskKey,
		&task.UserID,
		&conversationID,
		&task.InitialPrompt,
		&modelID,
		&task.MaxSteps,
		&task.CurrentStep,
		&status,
		&stateJSON,
		&parentTaskID,
		&task.SpawnDepth,
		&configJSON,
		&channelAccountID,
		&channelID,
		&channelThreadID,
		&progressSummary,
		&finalOutput,
		&errorMessage,
		&task.LastActivityAt,
		&timeoutMs,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = Status(status)
	task.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if conversationID.Valid {
		task.ConversationID = conversationID.String
	}
	if modelID.Valid {
		task.ModelID = modelID.String
	}
	if parentTaskID.Valid {
		task.ParentTaskID = parentTaskID.String
	}
	if channelAccountID.Valid {
		task.ChannelAccountID = channelAccountID.String
	}
	if channelID.Valid {
		task.ChannelID = channelID.String
	}
	if channelThreadID.Valid {
		task.ChannelThreadID = channelThreadID.String
	}
	if progressSummary.Valid {
		task.ProgressSummary = progressSummary.String
	}
	if finalOutput.Valid {
		task.FinalOutput = finalOutput.String
	}
	if errorMessage.Valid {
		task.ErrorMessage = errorMessage.String
	}

	task.SessionState, err = UnmarshalSessionState(stateJSON)
	if err != nil {
		return nil, err
	}
	task.Config, err = UnmarshalTaskConfig(configJSON)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

func scanTaskMessage(s scanner) (*TaskMessage, error) {
	var msg TaskMessage
	var (
		messageType string
		payload     []byte
		status      string
		readAt      sql.NullTime
	)

	err := s.Scan(
		&msg.ID,
		&msg.FromTaskKey,
		&msg.ToTaskKey,
		&messageType,
		&payload,
		&status,
		&msg.CreatedAt,
		&readAt,
	)
	if err != nil {
		return nil, err
	}

	msg.MessageType = MessageType(messageType)
	msg.Payload = payload
	msg.Status = MessageStatus(status)
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	return &msg, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
