package router

import (
	"errors"
	"fmt"

	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/protocol"
	"go.uber.org/zap"
)

const internalErrorMessage = "internal error, please try again later"

// NotFoundError - обращение к несуществующей сессии, задаче, участнику или ревью
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q does not exist", e.Resource, e.Key)
}

// replyError отправляет session:error только отправителю сообщения
func (r *Router) replyError(conn hub.Conn, kind string, err error) {
	var (
		verr *protocol.ValidationError
		nerr *NotFoundError
		ev   protocol.Event
	)

	switch {
	case errors.As(err, &verr):
		r.logger.Warn("rejected invalid message", zap.String("type", kind), zap.Error(err))
		ev = protocol.Error(protocol.ErrCodeValidation, verr.Error())
	case errors.Is(err, protocol.ErrMalformed):
		r.logger.Warn("rejected malformed message", zap.Error(err))
		ev = protocol.Error(protocol.ErrCodeValidation, "malformed message: expected a JSON envelope")
	case errors.As(err, &nerr):
		r.logger.Warn("message targets missing resource", zap.String("type", kind), zap.Error(err))
		ev = protocol.Error(protocol.ErrCodeNotFound, nerr.Error())
	default:
		r.logger.Error("failed to handle message", zap.String("type", kind), zap.Error(err))
		ev = protocol.Error(protocol.ErrCodeInternal, internalErrorMessage)
	}

	conn.Send(ev)
}
