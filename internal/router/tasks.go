package router

import (
	"context"
	"errors"

	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/models"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/repository"
	"go.uber.org/zap"
)

func (r *Router) handleTaskCreate(ctx context.Context, conn hub.Conn, m *protocol.TaskCreate) error {
	token, _ := r.sender(conn, m.Envelope())
	if token == "" {
		return &protocol.ValidationError{Field: "token"}
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var out changes
	err := r.store.WithTx(ctx, func(st repository.Store) error {
		if err := requireSession(ctx, st, token); err != nil {
			return err
		}

		task, err := st.UpsertTask(ctx, token, models.Task{
			ID:          m.ID,
			Name:        m.Name,
			Status:      m.Status,
			Assignee:    m.Assignee,
			Description: m.Description,
		})
		if err != nil {
			return err
		}
		r.logger.Debug("task saved", zap.String("token", token), zap.String("task", task.ID))

		return out.loadTasks(ctx, st, token)
	})
	if err != nil {
		return err
	}

	r.publish(token, out)
	return nil
}

// handleTaskAssign назначает исполнителя и сбрасывает статус в pending.
// Задача ищется по id, иначе по точному совпадению названия; если по названию
// ничего не найдено, задача создается.
func (r *Router) handleTaskAssign(ctx context.Context, conn hub.Conn, m *protocol.TaskAssign) error {
	token, _ := r.sender(conn, m.Envelope())
	if token == "" {
		return &protocol.ValidationError{Field: "token"}
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	status := models.TaskPending
	assignee := m.Assignee
	upd := models.TaskUpdate{Status: &status, Assignee: &assignee}

	var out changes
	err := r.store.WithTx(ctx, func(st repository.Store) error {
		if err := requireSession(ctx, st, token); err != nil {
			return err
		}

		var updated []models.Task
		if m.TaskID != "" {
			t, err := st.UpdateTaskByID(ctx, token, m.TaskID, upd)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return &NotFoundError{Resource: "task", Key: m.TaskID}
				}
				return err
			}
			updated = []models.Task{*t}
		} else {
			var err error
			updated, err = st.UpdateTaskByTitle(ctx, token, m.TaskName, upd)
			if err != nil {
				return err
			}
			if len(updated) == 0 {
				t, err := st.UpsertTask(ctx, token, models.Task{Name: m.TaskName, Status: status, Assignee: &assignee})
				if err != nil {
					return err
				}
				updated = []models.Task{*t}
			}
			if len(updated) > 1 {
				r.logger.Warn("task title is ambiguous, assigned every match",
					zap.String("token", token), zap.String("title", m.TaskName), zap.Int("count", len(updated)))
			}
		}

		bumped := false
		for range updated {
			ok, err := bumpMetric(ctx, st, token, assignee, models.MetricTasksAssigned)
			if err != nil {
				return err
			}
			bumped = bumped || ok
		}

		if err := out.loadTasks(ctx, st, token); err != nil {
			return err
		}
		if bumped {
			return out.loadMembers(ctx, st, token)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.publish(token, out)
	return nil
}

// handleTaskApprove переводит задачу в complete. Счетчик завершенных задач
// исполнителя растет только при первом переходе в complete.
func (r *Router) handleTaskApprove(ctx context.Context, conn hub.Conn, m *protocol.TaskApprove) error {
	token, _ := r.sender(conn, m.Envelope())
	if token == "" {
		return &protocol.ValidationError{Field: "token"}
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	status := models.TaskComplete
	upd := models.TaskUpdate{Status: &status}

	var out changes
	err := r.store.WithTx(ctx, func(st repository.Store) error {
		if err := requireSession(ctx, st, token); err != nil {
			return err
		}

		before, err := st.ListTasks(ctx, token)
		if err != nil {
			return err
		}
		wasComplete := make(map[string]bool, len(before))
		for _, t := range before {
			wasComplete[t.ID] = t.Status == models.TaskComplete
		}

		var updated []models.Task
		if m.TaskID != "" {
			t, err := st.UpdateTaskByID(ctx, token, m.TaskID, upd)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return &NotFoundError{Resource: "task", Key: m.TaskID}
				}
				return err
			}
			updated = []models.Task{*t}
		} else {
			updated, err = st.UpdateTaskByTitle(ctx, token, m.TaskName, upd)
			if err != nil {
				return err
			}
			if len(updated) == 0 {
				return &NotFoundError{Resource: "task", Key: m.TaskName}
			}
		}

		bumped := false
		for _, t := range updated {
			if wasComplete[t.ID] || t.Assignee == nil {
				continue
			}
			ok, err := bumpMetric(ctx, st, token, *t.Assignee, models.MetricTasksCompleted)
			if err != nil {
				return err
			}
			bumped = bumped || ok
		}

		if err := out.loadTasks(ctx, st, token); err != nil {
			return err
		}
		if bumped {
			return out.loadMembers(ctx, st, token)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.publish(token, out)
	return nil
}
