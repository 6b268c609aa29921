package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/models"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/repository"
	"go.uber.org/zap"
)

// CreateProject создает сессию (повторный вызов с тем же токеном идемпотентен)
// и, если передано имя, добавляет участника. Возвращает снимок и роль участника.
func (r *Router) CreateProject(ctx context.Context, name, token, member string) (*models.Project, string, error) {
	if token == "" {
		return nil, "", &protocol.ValidationError{Field: "token"}
	}
	if name == "" {
		return nil, "", &protocol.ValidationError{Field: "projectName"}
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var (
		project *models.Project
		role    string
	)
	err := r.store.WithTx(ctx, func(st repository.Store) (err error) {
		project, role, err = createSession(ctx, st, name, token, member)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return project, role, nil
}

// Join добавляет участника в существующую сессию и рассылает members:update.
func (r *Router) Join(ctx context.Context, token, member string) (*models.Project, string, error) {
	if token == "" {
		return nil, "", &protocol.ValidationError{Field: "token"}
	}
	if member == "" {
		return nil, "", &protocol.ValidationError{Field: "member"}
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	project, m, err := r.joinTx(ctx, token, member)
	if err != nil {
		return nil, "", err
	}
	r.hub.Broadcast(token, protocol.MembersUpdate(project.Members))
	return project, m.Role, nil
}

// Snapshot возвращает полное состояние сессии
func (r *Router) Snapshot(ctx context.Context, token string) (*models.Project, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	if err := requireSession(ctx, r.store, token); err != nil {
		return nil, err
	}
	return snapshot(ctx, r.store, token)
}

// previous - участник, которого соединение покинуло при новом присоединении
type previous struct {
	token  string
	member string
}

func (r *Router) handleSessionCreate(ctx context.Context, conn hub.Conn, m *protocol.SessionCreate) error {
	prev, err := r.sessionCreate(ctx, conn, m)
	if err != nil {
		return err
	}
	r.leavePrevious(ctx, prev)
	return nil
}

func (r *Router) sessionCreate(ctx context.Context, conn hub.Conn, m *protocol.SessionCreate) (*previous, error) {
	unlock := r.locks.lock(m.Token)
	defer unlock()

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var (
		project *models.Project
		role    string
	)
	err := r.store.WithTx(sctx, func(st repository.Store) (err error) {
		project, role, err = createSession(sctx, st, m.ProjectName, m.Token, m.Member)
		return err
	})
	if err != nil {
		return nil, err
	}

	prev := r.register(conn, m.Token, m.Member)
	conn.Send(protocol.Joined(*project, role, m.Member))
	replayed := r.replay(conn, m.Token, m.Member)

	r.logger.Info("session created",
		zap.String("token", m.Token), zap.String("member", m.Member),
		zap.String("role", role), zap.Int("replayed", replayed))
	return prev, nil
}

// handleSessionJoin отправляет присоединившемуся снимок, затем накопленные события,
// и только после этого рассылает members:update. Так любое событие, пропущенное
// участником, приходит ему раньше событий, возникших после присоединения.
func (r *Router) handleSessionJoin(ctx context.Context, conn hub.Conn, m *protocol.SessionJoin) error {
	prev, err := r.sessionJoin(ctx, conn, m)
	if err != nil {
		return err
	}
	r.leavePrevious(ctx, prev)
	return nil
}

func (r *Router) sessionJoin(ctx context.Context, conn hub.Conn, m *protocol.SessionJoin) (*previous, error) {
	unlock := r.locks.lock(m.Token)
	defer unlock()

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	project, member, err := r.joinTx(sctx, m.Token, m.Member)
	if err != nil {
		return nil, err
	}

	prev := r.register(conn, m.Token, m.Member)
	conn.Send(protocol.Joined(*project, member.Role, m.Member))
	replayed := r.replay(conn, m.Token, m.Member)
	r.hub.Broadcast(m.Token, protocol.MembersUpdate(project.Members))

	r.logger.Info("participant joined",
		zap.String("token", m.Token), zap.String("member", m.Member),
		zap.String("role", member.Role), zap.Int("replayed", replayed),
		zap.Int("connections", len(r.hub.Connections(m.Token))))
	return prev, nil
}

func (r *Router) register(conn hub.Conn, token, member string) *previous {
	prevToken, prevMember, displaced := r.hub.Register(conn, token, member)
	if !displaced {
		return nil
	}
	return &previous{token: prevToken, member: prevMember}
}

func (r *Router) replay(conn hub.Conn, token, member string) int {
	replayed := r.hub.Replay(conn, token, member)
	if left := r.hub.Pending(token, member); left > 0 {
		r.logger.Warn("replay interrupted, events stay queued",
			zap.String("token", token), zap.String("member", member),
			zap.Int("replayed", replayed), zap.Int("pending", left))
	}
	return replayed
}

// leavePrevious отмечает offline участника, чье соединение перешло к другой
// идентичности. Вызывается после снятия блокировки новой сессии: блокировки двух
// сессий одновременно не удерживаются.
func (r *Router) leavePrevious(ctx context.Context, prev *previous) {
	if prev == nil {
		return
	}
	r.markOffline(ctx, prev.token, prev.member, "participant switched identity")
}

func (r *Router) joinTx(ctx context.Context, token, member string) (*models.Project, *models.Member, error) {
	var (
		project *models.Project
		m       *models.Member
	)
	err := r.store.WithTx(ctx, func(st repository.Store) (err error) {
		project, m, err = joinSession(ctx, st, token, member)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return project, m, nil
}

func createSession(ctx context.Context, st repository.Store, name, token, member string) (*models.Project, string, error) {
	_, created, err := st.CreateSession(ctx, token, name)
	if err != nil {
		return nil, "", err
	}

	role := ""
	if member != "" {
		if created {
			role = models.RoleLead
		} else if role, err = vacantLead(ctx, st, token); err != nil {
			return nil, "", err
		}

		m, err := st.UpsertMember(ctx, token, member, role, models.MemberOnline)
		if err != nil {
			return nil, "", err
		}
		role = m.Role
	}

	project, err := snapshot(ctx, st, token)
	if err != nil {
		return nil, "", err
	}
	return project, role, nil
}

// vacantLead возвращает роль lead, если в сессии ее еще никто не занял
func vacantLead(ctx context.Context, st repository.Store, token string) (string, error) {
	members, err := st.ListMembers(ctx, token)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.Role == models.RoleLead {
			return "", nil
		}
	}
	return models.RoleLead, nil
}

func joinSession(ctx context.Context, st repository.Store, token, member string) (*models.Project, *models.Member, error) {
	if err := requireSession(ctx, st, token); err != nil {
		return nil, nil, err
	}

	m, err := st.UpsertMember(ctx, token, member, "", models.MemberOnline)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, &NotFoundError{Resource: "session", Key: token}
		}
		return nil, nil, err
	}

	project, err := snapshot(ctx, st, token)
	if err != nil {
		return nil, nil, err
	}
	return project, m, nil
}

func snapshot(ctx context.Context, st repository.Store, token string) (*models.Project, error) {
	s, err := st.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	members, err := st.ListMembers(ctx, token)
	if err != nil {
		return nil, err
	}
	tasks, err := st.ListTasks(ctx, token)
	if err != nil {
		return nil, err
	}
	reviews, err := st.ListReviews(ctx, token)
	if err != nil {
		return nil, err
	}

	return &models.Project{
		Name:      s.Name,
		Token:     s.Token,
		CreatedAt: s.CreatedAt,
		Members:   members,
		Tasks:     tasks,
		Reviews:   reviews,
	}, nil
}
