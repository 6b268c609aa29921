// Package router обрабатывает входящие сообщения участников: проверяет их,
// изменяет состояние в хранилище и рассылает новое каноническое состояние
// всем участникам сессии через hub.
//
// Сообщения одной сессии обрабатываются строго последовательно под мьютексом
// сессии; сообщения разных сессий не мешают друг другу.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/models"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/repository"
	"go.uber.org/zap"
)

// DefaultStoreTimeout ограничивает работу с хранилищем в рамках одного сообщения
const DefaultStoreTimeout = 5 * time.Second

// Analyzer - внешний сервис анализа кода
type Analyzer interface {
	Analyze(ctx context.Context, content, language, path string) (*models.AIAnalysis, error)
}

// Options - настройки маршрутизатора
type Options struct {
	StoreTimeout time.Duration
}

// Router - диспетчер входящих сообщений
type Router struct {
	store        repository.Store
	hub          *hub.Hub
	analyzer     Analyzer
	logger       *zap.Logger
	locks        *sessionLocks
	storeTimeout time.Duration
	now          func() time.Time
}

// New создает маршрутизатор. analyzer может быть nil: тогда ревью получают пустой анализ.
func New(store repository.Store, h *hub.Hub, analyzer Analyzer, logger *zap.Logger, opts Options) *Router {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:        store,
		hub:          h,
		analyzer:     analyzer,
		logger:       logger,
		locks:        newSessionLocks(),
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
	}
}

// HandleRaw декодирует конверт и обрабатывает его
func (r *Router) HandleRaw(ctx context.Context, conn hub.Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.replyError(conn, "", err)
		return
	}
	r.Handle(ctx, conn, msg)
}

// Handle обрабатывает одно сообщение до конца, включая рассылку.
// Ошибки уходят только отправителю в виде session:error.
func (r *Router) Handle(ctx context.Context, conn hub.Conn, msg protocol.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while handling message",
				zap.String("type", msg.Kind()), zap.Any("panic", p), zap.Stack("stack"))
			conn.Send(protocol.Error(protocol.ErrCodeInternal, internalErrorMessage))
		}
	}()

	var err error
	switch m := msg.(type) {
	case *protocol.SessionCreate:
		err = r.handleSessionCreate(ctx, conn, m)
	case *protocol.SessionJoin:
		err = r.handleSessionJoin(ctx, conn, m)
	case *protocol.TaskCreate:
		err = r.handleTaskCreate(ctx, conn, m)
	case *protocol.TaskAssign:
		err = r.handleTaskAssign(ctx, conn, m)
	case *protocol.TaskApprove:
		err = r.handleTaskApprove(ctx, conn, m)
	case *protocol.FileActivity:
		err = r.handleFileActivity(ctx, conn, m)
	case *protocol.FileClosed:
		err = r.handleFileClosed(ctx, conn, m)
	case *protocol.ReviewSubmit:
		err = r.handleReviewSubmit(ctx, conn, m)
	case *protocol.ReviewDecision:
		err = r.handleReviewDecision(ctx, conn, m)
	default:
		r.logger.Warn("unrecognized message type", zap.String("type", msg.Kind()))
		return
	}

	if err != nil {
		r.replyError(conn, msg.Kind(), err)
	}
}

// Disconnect снимает соединение с учета и помечает участника offline,
// если это было его актуальное соединение.
func (r *Router) Disconnect(ctx context.Context, conn hub.Conn) {
	token, member, current := r.hub.Unregister(conn)
	if !current {
		return
	}
	r.markOffline(ctx, token, member, "participant disconnected")
}

// Shutdown закрывает все соединения и переводит участников в offline.
// Отключения, пришедшие после закрытия реестра, уже ничего не меняют.
func (r *Router) Shutdown(ctx context.Context) error {
	r.hub.Close()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	n, err := r.store.ResetPresence(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	r.logger.Info("participants marked offline", zap.Int64("count", n))
	return nil
}

// markOffline переводит участника в offline и сообщает остальным участникам сессии.
// Ничего не делает, если участник успел переподключиться.
func (r *Router) markOffline(ctx context.Context, token, member, reason string) {
	unlock := r.locks.lock(token)
	defer unlock()

	// участник мог переподключиться, пока мы ждали блокировку
	if r.hub.Online(token, member) {
		return
	}

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var members []models.Member
	err := r.store.WithTx(ctx, func(st repository.Store) error {
		if err := st.SetMemberStatus(ctx, token, member, models.MemberOffline); err != nil {
			return err
		}
		var err error
		members, err = st.ListMembers(ctx, token)
		return err
	})
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Error("failed to mark member offline",
				zap.String("token", token), zap.String("member", member), zap.Error(err))
		}
		return
	}
	r.hub.BroadcastExcept(token, protocol.MembersUpdate(members), member)

	r.logger.Info(reason, zap.String("token", token), zap.String("member", member))
}

func (r *Router) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.storeTimeout)
}

// sender определяет сессию и имя отправителя: сначала по реестру, затем по конверту
func (r *Router) sender(conn hub.Conn, h protocol.Header) (token, member string) {
	if t, m, ok := r.hub.Identity(conn); ok {
		return t, m
	}
	return h.Token, h.Member
}

func requireSession(ctx context.Context, st repository.Store, token string) error {
	if token == "" {
		return &protocol.ValidationError{Field: "token"}
	}
	if _, err := st.GetSession(ctx, token); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "session", Key: token}
		}
		return err
	}
	return nil
}

// changes - состояние, прочитанное внутри транзакции и рассылаемое после фиксации.
// nil-срез означает, что соответствующее событие не отправляется.
type changes struct {
	members []models.Member
	tasks   []models.Task
	reviews []models.Review
}

func (c *changes) loadMembers(ctx context.Context, st repository.Store, token string) (err error) {
	c.members, err = st.ListMembers(ctx, token)
	return err
}

func (c *changes) loadTasks(ctx context.Context, st repository.Store, token string) (err error) {
	c.tasks, err = st.ListTasks(ctx, token)
	return err
}

func (c *changes) loadReviews(ctx context.Context, st repository.Store, token string) (err error) {
	c.reviews, err = st.ListReviews(ctx, token)
	return err
}

// publish рассылает изменения в порядке: задачи, ревью, участники
func (r *Router) publish(token string, c changes) {
	if c.tasks != nil {
		d := r.hub.Broadcast(token, protocol.TasksUpdate(c.tasks))
		r.logger.Debug("tasks broadcast", zap.String("token", token),
			zap.Int("sent", d.Sent), zap.Int("queued", d.Queued), zap.Int("evicted", d.Evicted))
	}
	if c.reviews != nil {
		r.hub.Broadcast(token, protocol.ReviewsUpdate(c.reviews))
	}
	if c.members != nil {
		r.hub.Broadcast(token, protocol.MembersUpdate(c.members))
	}
}

// bumpMetric увеличивает счетчик участника. Отсутствие участника не ошибка:
// исполнителем может быть имя, еще не присоединившееся к сессии.
func bumpMetric(ctx context.Context, st repository.Store, token, member, metric string) (bool, error) {
	if member == "" {
		return false, nil
	}
	err := st.IncrementMemberMetric(ctx, token, member, metric)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
