package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/untibullet/session-hub/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteQuerier - общее подмножество *sql.DB и *sql.Tx
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore - реализация Store поверх SQLite для локального запуска и тестов
type SQLiteStore struct {
	conn *sql.DB
	db   sqliteQuerier
	inTx bool
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite открывает базу по пути. Для ":memory:" используется одно соединение,
// иначе каждое новое соединение видело бы свою пустую базу.
func OpenSQLite(path string) (*SQLiteStore, error) {
	memory := path == ":memory:"
	dsn := path
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// immediate: пишущие транзакции берут блокировку сразу и ждут busy_timeout
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{conn: db, db: db, now: time.Now}, nil
}

// Migrate применяет схему
func (r *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close закрывает базу
func (r *SQLiteStore) Close() error {
	if r.inTx {
		return nil
	}
	return r.conn.Close()
}

// WithTx выполняет fn в транзакции
func (r *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{conn: r.conn, db: tx, inTx: true, now: r.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResetPresence переводит всех участников в offline
func (r *SQLiteStore) ResetPresence(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE members SET status = ? WHERE status <> ?`,
		models.MemberOffline, models.MemberOffline)
	if err != nil {
		return 0, fmt.Errorf("failed to reset presence: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteStore) millis() int64 {
	return r.now().UnixMilli()
}

func (r *SQLiteStore) CreateSession(ctx context.Context, token, name string) (*models.Session, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token, name, created_at) VALUES (?, ?, ?) ON CONFLICT (token) DO NOTHING`,
		token, name, r.millis())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	affected, _ := res.RowsAffected()

	s, err := r.GetSession(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return s, affected > 0, nil
}

func (r *SQLiteStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var (
		s       models.Session
		created int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT token, name, created_at FROM sessions WHERE token = ?`, token).
		Scan(&s.Token, &s.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	return &s, nil
}

func (r *SQLiteStore) UpsertMember(ctx context.Context, token, name, role, status string) (*models.Member, error) {
	role, err := memberRole(role)
	if err != nil {
		return nil, err
	}
	now := r.millis()
	query := `
		INSERT INTO members (id, session_token, name, role, status, joined_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_token, name) DO UPDATE
		SET status = excluded.status, last_activity = excluded.last_activity
		RETURNING ` + memberColumns

	m, err := scanSQLiteMember(r.db.QueryRowContext(ctx, query,
		uuid.New().String(), token, name, role, status, now, now))
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert member: %w", err)
	}
	return m, nil
}

func (r *SQLiteStore) GetMember(ctx context.Context, token, name string) (*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE session_token = ? AND name = ?`
	m, err := scanSQLiteMember(r.db.QueryRowContext(ctx, query, token, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func (r *SQLiteStore) ListMembers(ctx context.Context, token string) ([]models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE session_token = ? ORDER BY joined_at, name`
	rows, err := r.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		m, err := scanSQLiteMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

func (r *SQLiteStore) SetMemberStatus(ctx context.Context, token, name, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE members SET status = ?, last_activity = ? WHERE session_token = ? AND name = ?`,
		status, r.millis(), token, name)
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}
	return requireAffected(res)
}

func (r *SQLiteStore) SetMemberFile(ctx context.Context, token, name string, file *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE members SET current_file = ?, status = ?, last_activity = ? WHERE session_token = ? AND name = ?`,
		file, models.MemberOnline, r.millis(), token, name)
	if err != nil {
		return fmt.Errorf("failed to update member file: %w", err)
	}
	return requireAffected(res)
}

func (r *SQLiteStore) IncrementMemberMetric(ctx context.Context, token, name, metric string) error {
	column, err := metricColumn(metric)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE members SET %s = %s + 1 WHERE session_token = ? AND name = ?`, column, column)
	res, err := r.db.ExecContext(ctx, query, token, name)
	if err != nil {
		return fmt.Errorf("failed to increment member metric: %w", err)
	}
	return requireAffected(res)
}

func (r *SQLiteStore) UpsertTask(ctx context.Context, token string, task models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := r.millis()

	query := `
		INSERT INTO tasks (id, session_token, title, status, assignee, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_token, id) DO UPDATE
		SET title = excluded.title, status = excluded.status, assignee = excluded.assignee,
			description = excluded.description, updated_at = excluded.updated_at
		RETURNING id, title, status, assignee, description`

	var t models.Task
	err := r.db.QueryRowContext(ctx, query, task.ID, token, task.Name, task.Status, task.Assignee, task.Description, now, now).
		Scan(&t.ID, &t.Name, &t.Status, &t.Assignee, &t.Description)
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert task: %w", err)
	}
	return &t, nil
}

func (r *SQLiteStore) ListTasks(ctx context.Context, token string) ([]models.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, status, assignee, description FROM tasks WHERE session_token = ? ORDER BY seq`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectSQLiteTasks(rows)
}

func (r *SQLiteStore) UpdateTaskByID(ctx context.Context, token, id string, upd models.TaskUpdate) (*models.Task, error) {
	query := `
		UPDATE tasks SET status = COALESCE(?, status), assignee = COALESCE(?, assignee), updated_at = ?
		WHERE session_token = ? AND id = ?
		RETURNING id, title, status, assignee, description`

	var t models.Task
	err := r.db.QueryRowContext(ctx, query, upd.Status, upd.Assignee, r.millis(), token, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.Assignee, &t.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return &t, nil
}

func (r *SQLiteStore) UpdateTaskByTitle(ctx context.Context, token, title string, upd models.TaskUpdate) ([]models.Task, error) {
	query := `
		UPDATE tasks SET status = COALESCE(?, status), assignee = COALESCE(?, assignee), updated_at = ?
		WHERE session_token = ? AND title = ?
		RETURNING id, title, status, assignee, description`

	rows, err := r.db.QueryContext(ctx, query, upd.Status, upd.Assignee, r.millis(), token, title)
	if err != nil {
		return nil, fmt.Errorf("failed to update tasks by title: %w", err)
	}
	defer rows.Close()
	return collectSQLiteTasks(rows)
}

func (r *SQLiteStore) InsertReview(ctx context.Context, review *models.Review) error {
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if review.Status == "" {
		review.Status = models.ReviewPending
	}
	if review.SubmittedAt.IsZero() {
		review.SubmittedAt = r.now().UTC()
	}
	analysis, err := json.Marshal(review.Analysis)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reviews (id, session_token, submitted_by, author_name, task_id, task_name, file_path,
			language, content, analysis, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.SessionToken, review.SubmittedBy, review.AuthorName, review.TaskID, review.TaskName,
		review.FilePath, review.Language, review.Content, string(analysis), review.Status, review.SubmittedAt.UnixMilli())
	if err != nil {
		switch {
		case isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE):
			return ErrAlreadyExists
		case isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY):
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (r *SQLiteStore) ListReviews(ctx context.Context, token string) ([]models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE session_token = ? ORDER BY seq DESC`
	rows, err := r.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	reviews := []models.Review{}
	for rows.Next() {
		rv, err := scanSQLiteReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, *rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reviews: %w", err)
	}
	return reviews, nil
}

func (r *SQLiteStore) UpdateReviewStatus(ctx context.Context, token, id string, decision ReviewDecision) (*models.Review, error) {
	if !validReviewStatus(decision.Status) {
		return nil, ErrInvalidInput
	}
	query := `
		UPDATE reviews SET status = ?, reviewed_by = ?, feedback = ?, reviewed_at = ?
		WHERE session_token = ? AND id = ?
		RETURNING ` + reviewColumns

	rv, err := scanSQLiteReview(r.db.QueryRowContext(ctx, query,
		decision.Status, decision.ReviewedBy, decision.Feedback, r.millis(), token, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update review status: %w", err)
	}
	return rv, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMember(row scanner) (*models.Member, error) {
	var (
		m                    models.Member
		joined, lastActivity int64
	)
	err := row.Scan(&m.ID, &m.SessionToken, &m.Name, &m.Role, &m.Status, &m.CurrentFile, &joined, &lastActivity,
		&m.Metrics.TasksAssigned, &m.Metrics.TasksCompleted, &m.Metrics.CommitsTotal, &m.Metrics.CommitsAccepted)
	if err != nil {
		return nil, err
	}
	m.JoinedAt = time.UnixMilli(joined).UTC()
	m.LastActivity = time.UnixMilli(lastActivity).UTC()
	m.IsOnline = m.Status == models.MemberOnline
	return &m, nil
}

func collectSQLiteTasks(rows *sql.Rows) ([]models.Task, error) {
	tasks := []models.Task{}
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.Assignee, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanSQLiteReview(row scanner) (*models.Review, error) {
	var (
		rv        models.Review
		analysis  sql.NullString
		submitted int64
		reviewed  sql.NullInt64
	)
	err := row.Scan(&rv.ID, &rv.SessionToken, &rv.SubmittedBy, &rv.AuthorName, &rv.TaskID, &rv.TaskName, &rv.FilePath,
		&rv.Language, &rv.Content, &analysis, &rv.Status, &rv.Feedback, &rv.ReviewedBy, &submitted, &reviewed)
	if err != nil {
		return nil, err
	}
	rv.SubmittedAt = time.UnixMilli(submitted).UTC()
	if reviewed.Valid {
		t := time.UnixMilli(reviewed.Int64).UTC()
		rv.ReviewedAt = &t
	}
	if analysis.Valid {
		if err := decodeAnalysis([]byte(analysis.String), &rv); err != nil {
			return nil, err
		}
	}
	return &rv, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isSQLiteConstraint(err error, code int) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == code
}
