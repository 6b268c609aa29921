package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/models"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/repository"
	"go.uber.org/zap"
)

const (
	summaryNoAnalyzer     = "No analysis available"
	summaryAnalysisFailed = "Analysis failed"
)

// handleReviewSubmit сохраняет ревью с анализом кода. Внешний анализ выполняется
// до захвата мьютекса сессии, чтобы медленный сервис не задерживал остальных.
func (r *Router) handleReviewSubmit(ctx context.Context, conn hub.Conn, m *protocol.ReviewSubmit) error {
	token, member := r.sender(conn, m.Envelope())
	author := m.SubmittedBy
	if author == "" {
		author = member
	}
	switch {
	case token == "":
		return &protocol.ValidationError{Field: "token"}
	case author == "":
		return &protocol.ValidationError{Field: "submittedBy"}
	}
	authorName := m.SubmittedByName
	if authorName == "" {
		authorName = author
	}

	sctx, cancel := r.storeCtx(ctx)
	err := requireSession(sctx, r.store, token)
	cancel()
	if err != nil {
		return err
	}

	analysis := r.clientAnalysis(m.AIAnalysis)
	if analysis == nil {
		analysis = r.analyze(ctx, m.Content, m.Language, m.FilePath)
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel = r.storeCtx(ctx)
	defer cancel()

	review := &models.Review{
		SessionToken: token,
		SubmittedBy:  author,
		AuthorName:   authorName,
		TaskID:       m.TaskID,
		TaskName:     m.TaskName,
		FilePath:     m.FilePath,
		Language:     m.Language,
		Content:      m.Content,
		Analysis:     analysis,
		Status:       models.ReviewPending,
		SubmittedAt:  r.now().UTC(),
	}

	var out changes
	err = r.store.WithTx(ctx, func(st repository.Store) error {
		if err := st.InsertReview(ctx, review); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return &NotFoundError{Resource: "session", Key: token}
			}
			return err
		}

		bumped, err := bumpMetric(ctx, st, token, author, models.MetricCommitsTotal)
		if err != nil {
			return err
		}
		if err := out.loadReviews(ctx, st, token); err != nil {
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

	r.logger.Info("review submitted",
		zap.String("token", token), zap.String("review", review.ID), zap.String("author", author))
	r.publish(token, out)
	return nil
}

func (r *Router) handleReviewDecision(ctx context.Context, conn hub.Conn, m *protocol.ReviewDecision) error {
	var status string
	switch m.Kind() {
	case protocol.TypeReviewApprove:
		status = models.ReviewApproved
	case protocol.TypeReviewDecline:
		status = models.ReviewDeclined
	default:
		status = models.ReviewChangesRequested
	}

	token, member := r.sender(conn, m.Envelope())
	if token == "" {
		return &protocol.ValidationError{Field: "token"}
	}

	unlock := r.locks.lock(token)
	defer unlock()

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	decision := repository.ReviewDecision{Status: status, Feedback: m.Feedback}
	if member != "" {
		decision.ReviewedBy = &member
	}

	var out changes
	err := r.store.WithTx(ctx, func(st repository.Store) error {
		if err := requireSession(ctx, st, token); err != nil {
			return err
		}

		rv, err := st.UpdateReviewStatus(ctx, token, m.ReviewID, decision)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return &NotFoundError{Resource: "review", Key: m.ReviewID}
			}
			return err
		}

		bumped := false
		if status == models.ReviewApproved {
			if bumped, err = bumpMetric(ctx, st, token, rv.SubmittedBy, models.MetricCommitsAccepted); err != nil {
				return err
			}
		}
		if err := out.loadReviews(ctx, st, token); err != nil {
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

	r.logger.Info("review decided",
		zap.String("token", token), zap.String("review", m.ReviewID), zap.String("status", status))
	r.publish(token, out)
	return nil
}

// clientAnalysis разбирает анализ, уже приложенный клиентом к ревью
func (r *Router) clientAnalysis(raw json.RawMessage) *models.AIAnalysis {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var a models.AIAnalysis
	if err := json.Unmarshal(raw, &a); err != nil {
		r.logger.Warn("ignoring malformed client analysis", zap.Error(err))
		return nil
	}
	normalizeAnalysis(&a)
	return &a
}

// analyze никогда не возвращает nil: при отказе сервиса ревью получает пустой анализ
func (r *Router) analyze(ctx context.Context, content, language, path string) *models.AIAnalysis {
	if r.analyzer == nil {
		return models.PlaceholderAnalysis(summaryNoAnalyzer)
	}

	a, err := r.analyzer.Analyze(ctx, content, language, path)
	if err != nil || a == nil {
		r.logger.Warn("code analysis failed, using placeholder",
			zap.String("file", path), zap.Error(err))
		return models.PlaceholderAnalysis(summaryAnalysisFailed)
	}
	normalizeAnalysis(a)
	return a
}

func normalizeAnalysis(a *models.AIAnalysis) {
	if a.Bottlenecks == nil {
		a.Bottlenecks = []models.Bottleneck{}
	}
	if a.Improvements == nil {
		a.Improvements = []models.Improvement{}
	}
	if a.InlineComments == nil {
		a.InlineComments = []models.InlineComment{}
	}
}
