// repository/repository.go
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/untibullet/session-hub/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// Store - долговременное хранилище сессий, участников, задач и ревью.
// Единственный источник истины; все операции ограничены токеном сессии.
type Store interface {
	// CreateSession создает сессию; повторный вызов с тем же токеном ничего не меняет.
	// created сообщает, была ли строка вставлена этим вызовом.
	CreateSession(ctx context.Context, token, name string) (session *models.Session, created bool, err error)
	GetSession(ctx context.Context, token string) (*models.Session, error)

	// UpsertMember создает участника или переводит существующего в переданный статус.
	// Роль задается только при первой вставке; пустая роль означает Implementer.
	UpsertMember(ctx context.Context, token, name, role, status string) (*models.Member, error)
	GetMember(ctx context.Context, token, name string) (*models.Member, error)
	ListMembers(ctx context.Context, token string) ([]models.Member, error)
	SetMemberStatus(ctx context.Context, token, name, status string) error
	// SetMemberFile обновляет текущий файл участника (nil сбрасывает) и отмечает его онлайн.
	SetMemberFile(ctx context.Context, token, name string, file *string) error
	IncrementMemberMetric(ctx context.Context, token, name, metric string) error

	UpsertTask(ctx context.Context, token string, task models.Task) (*models.Task, error)
	ListTasks(ctx context.Context, token string) ([]models.Task, error)
	UpdateTaskByID(ctx context.Context, token, id string, upd models.TaskUpdate) (*models.Task, error)
	// UpdateTaskByTitle обновляет все задачи сессии с точно совпадающим названием.
	UpdateTaskByTitle(ctx context.Context, token, title string, upd models.TaskUpdate) ([]models.Task, error)

	InsertReview(ctx context.Context, review *models.Review) error
	ListReviews(ctx context.Context, token string) ([]models.Review, error)
	UpdateReviewStatus(ctx context.Context, token, id string, decision ReviewDecision) (*models.Review, error)

	// ResetPresence переводит всех участников всех сессий в offline.
	// Вызывается при старте и остановке сервера: живых соединений в этот момент нет.
	ResetPresence(ctx context.Context) (int64, error)

	// WithTx выполняет fn в одной транзакции. Store, переданный в fn, действует только
	// внутри нее; ошибка fn откатывает все изменения. Вложенный вызов использует
	// уже открытую транзакцию.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Migrate(ctx context.Context) error
	Close() error
}

// ReviewDecision описывает решение по ревью
type ReviewDecision struct {
	Status     string
	ReviewedBy *string
	Feedback   *string
}

// metricColumn возвращает имя колонки счетчика или ErrInvalidInput
func metricColumn(metric string) (string, error) {
	switch metric {
	case models.MetricTasksAssigned, models.MetricTasksCompleted,
		models.MetricCommitsTotal, models.MetricCommitsAccepted:
		return metric, nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidInput, metric)
}

func validReviewStatus(status string) bool {
	switch status {
	case models.ReviewPending, models.ReviewApproved, models.ReviewDeclined, models.ReviewChangesRequested:
		return true
	}
	return false
}

// memberRole подставляет роль по умолчанию и проверяет допустимость
func memberRole(role string) (string, error) {
	if role == "" {
		return models.RoleImplementer, nil
	}
	if !models.ValidRole(role) {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return role, nil
}
