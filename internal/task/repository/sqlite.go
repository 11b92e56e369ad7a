package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opencode-studio/studio/internal/task/models"
)

// SQLiteRepository provides SQLite-based storage. Timestamps are stored as
// epoch seconds and ids as text UUIDs.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// initializes the schema.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		workspace_path TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_session_id TEXT DEFAULT '',
		phase TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'aborted')),
		error_message TEXT DEFAULT '',
		started_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_id TEXT DEFAULT '',
		data TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS review_comments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		line INTEGER DEFAULT 0,
		comment TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS diff_viewed_files (
		task_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		viewed_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, file_path),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_session_activities_session_id ON session_activities(session_id);
	CREATE INDEX IF NOT EXISTS idx_review_comments_task_id ON review_comments(task_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying sqlx handle for callers that need raw access.
func (r *SQLiteRepository) DB() *sqlx.DB {
	return r.db
}

// --- tasks ---

type taskRow struct {
	ID            string `db:"id"`
	Title         string `db:"title"`
	Description   string `db:"description"`
	Status        string `db:"status"`
	WorkspacePath string `db:"workspace_path"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (row taskRow) toModel() *models.Task {
	return &models.Task{
		ID:            row.ID,
		Title:         row.Title,
		Description:   row.Description,
		Status:        models.TaskStatus(row.Status),
		WorkspacePath: row.WorkspacePath,
		CreatedAt:     time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt:     time.Unix(row.UpdatedAt, 0).UTC(),
	}
}

// CreateTask inserts the task, assigning an id and timestamps when unset.
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.StatusTodo
	}
	now := time.Now().UTC().Truncate(time.Second)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, workspace_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, string(task.Status), task.WorkspacePath,
		task.CreatedAt.Unix(), task.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toModel(), nil
}

// UpdateTask updates title, description, status, and workspace path.
// updated_at is bumped and never decreases.
func (r *SQLiteRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, status = ?, workspace_path = ?,
			updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		task.Title, task.Description, string(task.Status), task.WorkspacePath,
		task.UpdatedAt.Unix(), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

// UpdateTaskStatus changes only the status and bumps updated_at.
func (r *SQLiteRepository) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

// UpdateTaskWorkspace records the workspace path for a task.
func (r *SQLiteRepository) UpdateTaskWorkspace(ctx context.Context, id, workspacePath string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET workspace_path = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		workspacePath, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update task workspace: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

// DeleteTask removes a task. Sessions and activities cascade.
func (r *SQLiteRepository) DeleteTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

// ListTasks returns all tasks ordered by creation time.
func (r *SQLiteRepository) ListTasks(ctx context.Context) ([]*models.Task, error) {
	var rows []taskRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*models.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toModel())
	}
	return tasks, nil
}

// CountTasks returns the number of tasks.
func (r *SQLiteRepository) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tasks`); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// --- sessions ---

type sessionRow struct {
	ID             string         `db:"id"`
	TaskID         string         `db:"task_id"`
	AgentSessionID string         `db:"agent_session_id"`
	Phase          string         `db:"phase"`
	Status         string         `db:"status"`
	ErrorMessage   string         `db:"error_message"`
	StartedAt      sql.NullInt64  `db:"started_at"`
	CompletedAt    sql.NullInt64  `db:"completed_at"`
	CreatedAt      int64          `db:"created_at"`
}

func (row sessionRow) toModel() *models.Session {
	s := &models.Session{
		ID:             row.ID,
		TaskID:         row.TaskID,
		AgentSessionID: row.AgentSessionID,
		Phase:          models.SessionPhase(row.Phase),
		Status:         models.SessionStatus(row.Status),
		ErrorMessage:   row.ErrorMessage,
		CreatedAt:      time.Unix(row.CreatedAt, 0).UTC(),
	}
	if row.StartedAt.Valid {
		t := time.Unix(row.StartedAt.Int64, 0).UTC()
		s.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := time.Unix(row.CompletedAt.Int64, 0).UTC()
		s.CompletedAt = &t
	}
	return s
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// CreateSession inserts the session, assigning an id and created_at when
// unset.
func (r *SQLiteRepository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.SessionPending
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task_id, agent_session_id, phase, status, error_message, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.TaskID, session.AgentSessionID, string(session.Phase),
		string(session.Status), session.ErrorMessage,
		nullUnix(session.StartedAt), nullUnix(session.CompletedAt), session.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toModel(), nil
}

// UpdateSession persists the mutable session fields.
func (r *SQLiteRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET agent_session_id = ?, status = ?, error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		session.AgentSessionID, string(session.Status), session.ErrorMessage,
		nullUnix(session.StartedAt), nullUnix(session.CompletedAt), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res, ErrSessionNotFound)
}

// DeleteSession removes a session. Activities cascade.
func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res, ErrSessionNotFound)
}

// ListSessionsByTask returns all sessions for a task, newest first.
func (r *SQLiteRepository) ListSessionsByTask(ctx context.Context, taskID string) ([]*models.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM sessions WHERE task_id = ? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toModel())
	}
	return sessions, nil
}

// GetActiveSession returns the task's pending or running session, or
// ErrSessionNotFound.
func (r *SQLiteRepository) GetActiveSession(ctx context.Context, taskID string) (*models.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM sessions
		WHERE task_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, taskID)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return row.toModel(), nil
}

// FailActiveSessions marks every pending or running session failed. Called
// once on startup so a crashed orchestrator never leaves sessions visibly
// running.
func (r *SQLiteRepository) FailActiveSessions(ctx context.Context, reason string) (int, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE status IN ('pending', 'running')`, reason, now)
	if err != nil {
		return 0, fmt.Errorf("failed to fail active sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- session activities ---

type activityRow struct {
	ID           int64  `db:"id"`
	SessionID    string `db:"session_id"`
	ActivityType string `db:"activity_type"`
	ActivityID   string `db:"activity_id"`
	Data         string `db:"data"`
	CreatedAt    int64  `db:"created_at"`
}

func (row activityRow) toModel() *models.SessionActivity {
	return &models.SessionActivity{
		ID:           row.ID,
		SessionID:    row.SessionID,
		ActivityType: row.ActivityType,
		ActivityID:   row.ActivityID,
		Data:         json.RawMessage(row.Data),
		CreatedAt:    time.Unix(row.CreatedAt, 0).UTC(),
	}
}

// AppendActivity inserts an activity, assigning the next integer id.
func (r *SQLiteRepository) AppendActivity(ctx context.Context, activity *models.SessionActivity) error {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	data := string(activity.Data)
	if data == "" {
		data = "{}"
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO session_activities (session_id, activity_type, activity_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		activity.SessionID, activity.ActivityType, activity.ActivityID, data, activity.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	activity.ID = id
	return nil
}

// ListActivitiesSince returns all activities for a session with id greater
// than sinceID, ordered by (created_at, id).
func (r *SQLiteRepository) ListActivitiesSince(ctx context.Context, sessionID string, sinceID int64) ([]*models.SessionActivity, error) {
	var rows []activityRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM session_activities
		WHERE session_id = ? AND id > ?
		ORDER BY created_at ASC, id ASC`, sessionID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	activities := make([]*models.SessionActivity, 0, len(rows))
	for _, row := range rows {
		activities = append(activities, row.toModel())
	}
	return activities, nil
}

// --- review comments ---

type reviewCommentRow struct {
	ID        string `db:"id"`
	TaskID    string `db:"task_id"`
	FilePath  string `db:"file_path"`
	Line      int    `db:"line"`
	Comment   string `db:"comment"`
	CreatedAt int64  `db:"created_at"`
}

// CreateReviewComment inserts a user diff comment.
func (r *SQLiteRepository) CreateReviewComment(ctx context.Context, comment *models.ReviewComment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO review_comments (id, task_id, file_path, line, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		comment.ID, comment.TaskID, comment.FilePath, comment.Line, comment.Comment, comment.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create review comment: %w", err)
	}
	return nil
}

// ListReviewComments returns all comments for a task in creation order.
func (r *SQLiteRepository) ListReviewComments(ctx context.Context, taskID string) ([]*models.ReviewComment, error) {
	var rows []reviewCommentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM review_comments WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review comments: %w", err)
	}
	comments := make([]*models.ReviewComment, 0, len(rows))
	for _, row := range rows {
		comments = append(comments, &models.ReviewComment{
			ID:        row.ID,
			TaskID:    row.TaskID,
			FilePath:  row.FilePath,
			Line:      row.Line,
			Comment:   row.Comment,
			CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
		})
	}
	return comments, nil
}

// --- diff viewed files ---

// MarkFileViewed upserts the viewed marker for (task, file); repeated calls
// only refresh the timestamp.
func (r *SQLiteRepository) MarkFileViewed(ctx context.Context, taskID, filePath string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO diff_viewed_files (task_id, file_path, viewed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (task_id, file_path) DO UPDATE SET viewed_at = excluded.viewed_at`,
		taskID, filePath, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to mark file viewed: %w", err)
	}
	return nil
}

// ListViewedFiles returns the viewed markers for a task.
func (r *SQLiteRepository) ListViewedFiles(ctx context.Context, taskID string) ([]*models.DiffViewedFile, error) {
	type row struct {
		TaskID   string `db:"task_id"`
		FilePath string `db:"file_path"`
		ViewedAt int64  `db:"viewed_at"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM diff_viewed_files WHERE task_id = ? ORDER BY file_path ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list viewed files: %w", err)
	}
	files := make([]*models.DiffViewedFile, 0, len(rows))
	for _, r := range rows {
		files = append(files, &models.DiffViewedFile{
			TaskID:   r.TaskID,
			FilePath: r.FilePath,
			ViewedAt: time.Unix(r.ViewedAt, 0).UTC(),
		})
	}
	return files, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
