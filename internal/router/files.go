package router

import (
	"context"
	"errors"

	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/repository"
)

func (r *Router) handleFileActivity(ctx context.Context, conn hub.Conn, m *protocol.FileActivity) error {
	path := m.FilePath
	return r.setCurrentFile(ctx, conn, m.Envelope(), &path)
}

func (r *Router) handleFileClosed(ctx context.Context, conn hub.Conn, m *protocol.FileClosed) error {
	return r.setCurrentFile(ctx, conn, m.Envelope(), nil)
}

func (r *Router) setCurrentFile(ctx context.Context, conn hub.Conn, h protocol.Header, file *string) error {
	token, member := r.sender(conn, h)
	switch {
	case token == "":
		return &protocol.ValidationError{Field: "token"}
	case member == "":
		return &protocol.ValidationError{Field: "member"}
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
		if err := st.SetMemberFile(ctx, token, member, file); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return &NotFoundError{Resource: "member", Key: member}
			}
			return err
		}
		return out.loadMembers(ctx, st, token)
	})
	if err != nil {
		return err
	}

	r.publish(token, out)
	return nil
}
