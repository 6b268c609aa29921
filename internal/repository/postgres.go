package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/untibullet/session-hub/internal/models"
)

// Коды ошибок PostgreSQL
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const memberColumns = `id, session_token, name, role, status, current_file, joined_at, last_activity,
	tasks_assigned, tasks_completed, commits_total, commits_accepted`

const reviewColumns = `id, session_token, submitted_by, author_name, task_id, task_name, file_path, language,
	content, analysis, status, feedback, reviewed_by, submitted_at, reviewed_at`

// pgQuerier - общее подмножество *pgxpool.Pool и pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	db   pgQuerier
	tx   pgx.Tx
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

var _ Store = (*PostgresStore)(nil)

// Migrate применяет схему в одной транзакции
func (r *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close закрывает пул подключений
func (r *PostgresStore) Close() error {
	if r.tx != nil {
		return nil
	}
	r.pool.Close()
	return nil
}

// WithTx выполняет fn в транзакции
func (r *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: r.pool, db: tx, tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResetPresence переводит всех участников в offline
func (r *PostgresStore) ResetPresence(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE members SET status = $1 WHERE status <> $1`, models.MemberOffline)
	if err != nil {
		return 0, fmt.Errorf("failed to reset presence: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateSession создает сессию; существующая сессия возвращается без изменений
func (r *PostgresStore) CreateSession(ctx context.Context, token, name string) (*models.Session, bool, error) {
	var s models.Session
	err := r.db.QueryRow(ctx, `
        INSERT INTO sessions (token, name) VALUES ($1, $2)
        ON CONFLICT (token) DO NOTHING
        RETURNING token, name, created_at
    `, token, name).Scan(&s.Token, &s.Name, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetSession(ctx, token)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return &s, true, nil
}

// GetSession получает сессию по токену
func (r *PostgresStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	err := r.db.QueryRow(ctx, `SELECT token, name, created_at FROM sessions WHERE token = $1`, token).
		Scan(&s.Token, &s.Name, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// UpsertMember создает участника или обновляет его статус; роль не перезаписывается
func (r *PostgresStore) UpsertMember(ctx context.Context, token, name, role, status string) (*models.Member, error) {
	query := `
        INSERT INTO members (id, session_token, name, role, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (session_token, name) DO UPDATE
        SET status = excluded.status, last_activity = NOW()
        RETURNING ` + memberColumns

	role, err := memberRole(role)
	if err != nil {
		return nil, err
	}

	m, err := scanPgMember(r.db.QueryRow(ctx, query, uuid.New().String(), token, name, role, status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert member: %w", err)
	}
	return m, nil
}

// GetMember получает участника сессии по имени
func (r *PostgresStore) GetMember(ctx context.Context, token, name string) (*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE session_token = $1 AND name = $2`
	m, err := scanPgMember(r.db.QueryRow(ctx, query, token, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// ListMembers получает всех участников сессии в порядке присоединения
func (r *PostgresStore) ListMembers(ctx context.Context, token string) ([]models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE session_token = $1 ORDER BY joined_at, name`
	rows, err := r.db.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		m, err := scanPgMember(rows)
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

// SetMemberStatus обновляет статус присутствия участника
func (r *PostgresStore) SetMemberStatus(ctx context.Context, token, name, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE members SET status = $1, last_activity = NOW() WHERE session_token = $2 AND name = $3`,
		status, token, name)
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMemberFile обновляет текущий файл участника
func (r *PostgresStore) SetMemberFile(ctx context.Context, token, name string, file *string) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE members SET current_file = $1, status = $2, last_activity = NOW()
        WHERE session_token = $3 AND name = $4
    `, file, models.MemberOnline, token, name)
	if err != nil {
		return fmt.Errorf("failed to update member file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMemberMetric увеличивает счетчик активности участника на единицу
func (r *PostgresStore) IncrementMemberMetric(ctx context.Context, token, name, metric string) error {
	column, err := metricColumn(metric)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE members SET %s = %s + 1 WHERE session_token = $1 AND name = $2`, column, column)
	tag, err := r.db.Exec(ctx, query, token, name)
	if err != nil {
		return fmt.Errorf("failed to increment member metric: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertTask создает задачу или обновляет существующую с тем же id
func (r *PostgresStore) UpsertTask(ctx context.Context, token string, task models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}

	query := `
        INSERT INTO tasks (id, session_token, title, status, assignee, description)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_token, id) DO UPDATE
        SET title = excluded.title, status = excluded.status, assignee = excluded.assignee,
            description = excluded.description, updated_at = NOW()
        RETURNING id, title, status, assignee, description
    `
	var t models.Task
	err := r.db.QueryRow(ctx, query, task.ID, token, task.Name, task.Status, task.Assignee, task.Description).
		Scan(&t.ID, &t.Name, &t.Status, &t.Assignee, &t.Description)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert task: %w", err)
	}
	return &t, nil
}

// ListTasks получает задачи сессии в порядке создания
func (r *PostgresStore) ListTasks(ctx context.Context, token string) ([]models.Task, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, title, status, assignee, description FROM tasks WHERE session_token = $1 ORDER BY seq`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectPgTasks(rows)
}

// UpdateTaskByID обновляет задачу по id
func (r *PostgresStore) UpdateTaskByID(ctx context.Context, token, id string, upd models.TaskUpdate) (*models.Task, error) {
	query := `
        UPDATE tasks SET status = COALESCE($1, status), assignee = COALESCE($2, assignee), updated_at = NOW()
        WHERE session_token = $3 AND id = $4
        RETURNING id, title, status, assignee, description
    `
	var t models.Task
	err := r.db.QueryRow(ctx, query, upd.Status, upd.Assignee, token, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.Assignee, &t.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return &t, nil
}

// UpdateTaskByTitle обновляет задачи по точному совпадению названия
func (r *PostgresStore) UpdateTaskByTitle(ctx context.Context, token, title string, upd models.TaskUpdate) ([]models.Task, error) {
	query := `
        UPDATE tasks SET status = COALESCE($1, status), assignee = COALESCE($2, assignee), updated_at = NOW()
        WHERE session_token = $3 AND title = $4
        RETURNING id, title, status, assignee, description
    `
	rows, err := r.db.Query(ctx, query, upd.Status, upd.Assignee, token, title)
	if err != nil {
		return nil, fmt.Errorf("failed to update tasks by title: %w", err)
	}
	defer rows.Close()
	return collectPgTasks(rows)
}

// InsertReview сохраняет новое ревью
func (r *PostgresStore) InsertReview(ctx context.Context, review *models.Review) error {
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if review.Status == "" {
		review.Status = models.ReviewPending
	}
	if review.SubmittedAt.IsZero() {
		review.SubmittedAt = time.Now().UTC()
	}
	analysis, err := json.Marshal(review.Analysis)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	_, err = r.db.Exec(ctx, `
        INSERT INTO reviews (id, session_token, submitted_by, author_name, task_id, task_name, file_path,
            language, content, analysis, status, submitted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, review.ID, review.SessionToken, review.SubmittedBy, review.AuthorName, review.TaskID, review.TaskName,
		review.FilePath, review.Language, review.Content, analysis, review.Status, review.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return ErrAlreadyExists
			case pgForeignKeyViolation:
				return ErrNotFound
			}
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// ListReviews получает ревью сессии, новые первыми
func (r *PostgresStore) ListReviews(ctx context.Context, token string) ([]models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE session_token = $1 ORDER BY seq DESC`
	rows, err := r.db.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	reviews := []models.Review{}
	for rows.Next() {
		rv, err := scanPgReview(rows)
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

// UpdateReviewStatus фиксирует решение по ревью
func (r *PostgresStore) UpdateReviewStatus(ctx context.Context, token, id string, decision ReviewDecision) (*models.Review, error) {
	if !validReviewStatus(decision.Status) {
		return nil, ErrInvalidInput
	}
	query := `
        UPDATE reviews SET status = $1, reviewed_by = $2, feedback = $3, reviewed_at = NOW()
        WHERE session_token = $4 AND id = $5
        RETURNING ` + reviewColumns

	rv, err := scanPgReview(r.db.QueryRow(ctx, query, decision.Status, decision.ReviewedBy, decision.Feedback, token, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update review status: %w", err)
	}
	return rv, nil
}

func scanPgMember(row pgx.Row) (*models.Member, error) {
	var m models.Member
	err := row.Scan(&m.ID, &m.SessionToken, &m.Name, &m.Role, &m.Status, &m.CurrentFile, &m.JoinedAt, &m.LastActivity,
		&m.Metrics.TasksAssigned, &m.Metrics.TasksCompleted, &m.Metrics.CommitsTotal, &m.Metrics.CommitsAccepted)
	if err != nil {
		return nil, err
	}
	m.IsOnline = m.Status == models.MemberOnline
	return &m, nil
}

func collectPgTasks(rows pgx.Rows) ([]models.Task, error) {
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

func scanPgReview(row pgx.Row) (*models.Review, error) {
	var (
		rv       models.Review
		analysis []byte
	)
	err := row.Scan(&rv.ID, &rv.SessionToken, &rv.SubmittedBy, &rv.AuthorName, &rv.TaskID, &rv.TaskName, &rv.FilePath,
		&rv.Language, &rv.Content, &analysis, &rv.Status, &rv.Feedback, &rv.ReviewedBy, &rv.SubmittedAt, &rv.ReviewedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeAnalysis(analysis, &rv); err != nil {
		return nil, err
	}
	return &rv, nil
}

func decodeAnalysis(raw []byte, rv *models.Review) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var a models.AIAnalysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("failed to decode analysis: %w", err)
	}
	rv.Analysis = &a
	return nil
}
