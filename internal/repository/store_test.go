package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/session-hub/internal/models"
	"github.com/untibullet/session-hub/internal/repository"
)

// runStoreContract прогоняет общие для всех реализаций Store проверки.
// newStore должен возвращать хранилище с примененной схемой и пустыми таблицами.
func runStoreContract(t *testing.T, newStore func(t *testing.T) repository.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, store repository.Store)
	}{
		{"CreateSession_Idempotent", testCreateSession_Idempotent},
		{"GetSession_NotFound", testGetSession_NotFound},
		{"Migrate_Repeatable", testMigrate_Repeatable},
		{"UpsertMember_KeepsRoleAndID", testUpsertMember_KeepsRoleAndID},
		{"UpsertMember_DefaultRole", testUpsertMember_DefaultRole},
		{"MemberStatusFileAndMetrics", testMemberStatusFileAndMetrics},
		{"MemberUpdates_NotFound", testMemberUpdates_NotFound},
		{"Tasks_UpsertAndUpdate", testTasks_UpsertAndUpdate},
		{"UpdateTaskByTitle_UpdatesEveryMatch", testUpdateTaskByTitle_UpdatesEveryMatch},
		{"Reviews_InsertListUpdate", testReviews_InsertListUpdate},
		{"UpsertMember_InvalidRole", testUpsertMember_InvalidRole},
		{"ResetPresence", testResetPresence},
		{"WithTx_CommitsAndRollsBack", testWithTx_CommitsAndRollsBack},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func strPtr(s string) *string { return &s }

func testCreateSession_Idempotent(t *testing.T, store repository.Store) {
	ctx := context.Background()

	s, created, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Demo", s.Name)

	s, created, err = store.CreateSession(ctx, "tok", "Renamed")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Demo", s.Name, "second create must not overwrite the session")
}

func testGetSession_NotFound(t *testing.T, store repository.Store) {
	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testMigrate_Repeatable(t *testing.T, store repository.Store) {
	assert.NoError(t, store.Migrate(context.Background()))
}

func testUpsertMember_KeepsRoleAndID(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)

	first, err := store.UpsertMember(ctx, "tok", "alice", models.RoleLead, models.MemberOnline)
	require.NoError(t, err)
	assert.Equal(t, models.RoleLead, first.Role)
	assert.True(t, first.IsOnline)

	second, err := store.UpsertMember(ctx, "tok", "alice", "", models.MemberOffline)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.RoleLead, second.Role)
	assert.Equal(t, models.MemberOffline, second.Status)

	members, err := store.ListMembers(ctx, "tok")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func testUpsertMember_DefaultRole(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)

	m, err := store.UpsertMember(ctx, "tok", "bob", "", models.MemberOnline)
	require.NoError(t, err)
	assert.Equal(t, models.RoleImplementer, m.Role)
}

func testMemberStatusFileAndMetrics(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)
	_, err = store.UpsertMember(ctx, "tok", "bob", "", models.MemberOnline)
	require.NoError(t, err)

	require.NoError(t, store.SetMemberStatus(ctx, "tok", "bob", models.MemberOffline))
	require.NoError(t, store.SetMemberFile(ctx, "tok", "bob", strPtr("main.go")))
	require.NoError(t, store.IncrementMemberMetric(ctx, "tok", "bob", models.MetricCommitsTotal))
	require.NoError(t, store.IncrementMemberMetric(ctx, "tok", "bob", models.MetricCommitsTotal))

	m, err := store.GetMember(ctx, "tok", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.MemberOnline, m.Status, "file activity marks the member online")
	require.NotNil(t, m.CurrentFile)
	assert.Equal(t, "main.go", *m.CurrentFile)
	assert.Equal(t, 2, m.Metrics.CommitsTotal)

	require.NoError(t, store.SetMemberFile(ctx, "tok", "bob", nil))
	m, err = store.GetMember(ctx, "tok", "bob")
	require.NoError(t, err)
	assert.Nil(t, m.CurrentFile)
}

func testMemberUpdates_NotFound(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)

	assert.ErrorIs(t, store.SetMemberStatus(ctx, "tok", "ghost", models.MemberOffline), repository.ErrNotFound)
	assert.ErrorIs(t, store.SetMemberFile(ctx, "tok", "ghost", nil), repository.ErrNotFound)
	assert.ErrorIs(t, store.IncrementMemberMetric(ctx, "tok", "ghost", models.MetricTasksAssigned), repository.ErrNotFound)
	assert.ErrorIs(t, store.IncrementMemberMetric(ctx, "tok", "ghost", "karma"), repository.ErrInvalidInput)

	_, err = store.GetMember(ctx, "tok", "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testTasks_UpsertAndUpdate(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)

	created, err := store.UpsertTask(ctx, "tok", models.Task{Name: "Login form"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.TaskPending, created.Status)

	_, err = store.UpsertTask(ctx, "tok", models.Task{ID: "fixed", Name: "Docs", Status: models.TaskActive})
	require.NoError(t, err)
	_, err = store.UpsertTask(ctx, "tok", models.Task{ID: "fixed", Name: "Docs v2", Status: models.TaskBlocked})
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Login form", tasks[0].Name)
	assert.Equal(t, "Docs v2", tasks[1].Name)
	assert.Equal(t, models.TaskBlocked, tasks[1].Status)

	status := models.TaskComplete
	updated, err := store.UpdateTaskByID(ctx, "tok", "fixed", models.TaskUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, models.TaskComplete, updated.Status)
	assert.Nil(t, updated.Assignee)

	_, err = store.UpdateTaskByID(ctx, "tok", "nope", models.TaskUpdate{Status: &status})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testUpdateTaskByTitle_UpdatesEveryMatch(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)
	_, _, err = store.CreateSession(ctx, "other", "Other")
	require.NoError(t, err)

	for _, token := range []string{"tok", "tok", "other"} {
		_, err := store.UpsertTask(ctx, token, models.Task{Name: "Refactor"})
		require.NoError(t, err)
	}

	assignee := "bob"
	updated, err := store.UpdateTaskByTitle(ctx, "tok", "Refactor", models.TaskUpdate{Assignee: &assignee})
	require.NoError(t, err)
	assert.Len(t, updated, 2)
	for _, task := range updated {
		require.NotNil(t, task.Assignee)
		assert.Equal(t, "bob", *task.Assignee)
		assert.Equal(t, models.TaskPending, task.Status)
	}

	others, err := store.ListTasks(ctx, "other")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Nil(t, others[0].Assignee, "updates must stay inside the session")

	none, err := store.UpdateTaskByTitle(ctx, "tok", "Missing", models.TaskUpdate{Assignee: &assignee})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testReviews_InsertListUpdate(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := &models.Review{
		SessionToken: "tok",
		SubmittedBy:  "bob",
		AuthorName:   "Bob",
		FilePath:     "a.go",
		Content:      "package a",
		Analysis:     models.PlaceholderAnalysis("Analysis failed"),
		SubmittedAt:  base,
	}
	require.NoError(t, store.InsertReview(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.ReviewPending, first.Status)

	second := &models.Review{
		SessionToken: "tok",
		SubmittedBy:  "bob",
		AuthorName:   "Bob",
		TaskName:     strPtr("Login form"),
		FilePath:     "a.go",
		Content:      "package a // v2",
		SubmittedAt:  base.Add(time.Minute),
	}
	require.NoError(t, store.InsertReview(ctx, second))
	assert.NotEqual(t, first.ID, second.ID)

	reviews, err := store.ListReviews(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, second.ID, reviews[0].ID, "newest review comes first")
	assert.Equal(t, first.ID, reviews[1].ID)
	require.NotNil(t, reviews[1].Analysis)
	assert.Equal(t, "Analysis failed", reviews[1].Analysis.Summary)
	assert.True(t, base.Equal(reviews[1].SubmittedAt), "submitted at %v", reviews[1].SubmittedAt)

	updated, err := store.UpdateReviewStatus(ctx, "tok", first.ID, repository.ReviewDecision{
		Status:     models.ReviewChangesRequested,
		ReviewedBy: strPtr("alice"),
		Feedback:   strPtr("split the function"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewChangesRequested, updated.Status)
	require.NotNil(t, updated.ReviewedBy)
	assert.Equal(t, "alice", *updated.ReviewedBy)
	assert.NotNil(t, updated.ReviewedAt)

	_, err = store.UpdateReviewStatus(ctx, "tok", "missing", repository.ReviewDecision{Status: models.ReviewApproved})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.UpdateReviewStatus(ctx, "tok", first.ID, repository.ReviewDecision{Status: "merged"})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
}

func testUpsertMember_InvalidRole(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)

	_, err = store.UpsertMember(ctx, "tok", "bob", "owner", models.MemberOnline)
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	_, err = store.UpsertMember(ctx, "missing", "bob", "", models.MemberOnline)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testResetPresence(t *testing.T, store repository.Store) {
	ctx := context.Background()
	for _, token := range []string{"tok", "other"} {
		_, _, err := store.CreateSession(ctx, token, "Demo")
		require.NoError(t, err)
	}
	_, err := store.UpsertMember(ctx, "tok", "alice", models.RoleLead, models.MemberOnline)
	require.NoError(t, err)
	_, err = store.UpsertMember(ctx, "other", "bob", "", models.MemberOnline)
	require.NoError(t, err)
	_, err = store.UpsertMember(ctx, "other", "carol", "", models.MemberOffline)
	require.NoError(t, err)

	n, err := store.ResetPresence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, tc := range []struct{ token, name string }{{"tok", "alice"}, {"other", "bob"}, {"other", "carol"}} {
		m, err := store.GetMember(ctx, tc.token, tc.name)
		require.NoError(t, err)
		assert.Equal(t, models.MemberOffline, m.Status, tc.name)
		assert.False(t, m.IsOnline)
	}
	alice, err := store.GetMember(ctx, "tok", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoleLead, alice.Role, "presence reset keeps roles")
}

func testWithTx_CommitsAndRollsBack(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, _, err := store.CreateSession(ctx, "tok", "Demo")
	require.NoError(t, err)
	_, err = store.UpsertMember(ctx, "tok", "bob", "", models.MemberOnline)
	require.NoError(t, err)

	errAbort := errors.New("abort")
	err = store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.UpsertTask(ctx, "tok", models.Task{ID: "t1", Name: "Rolled back"}); err != nil {
			return err
		}
		if err := tx.IncrementMemberMetric(ctx, "tok", "bob", models.MetricTasksAssigned); err != nil {
			return err
		}
		// изменения видны внутри транзакции
		tasks, err := tx.ListTasks(ctx, "tok")
		if err != nil {
			return err
		}
		assert.Len(t, tasks, 1)
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	tasks, err := store.ListTasks(ctx, "tok")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	bob, err := store.GetMember(ctx, "tok", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, bob.Metrics.TasksAssigned)

	err = store.WithTx(ctx, func(tx repository.Store) error {
		// вложенный вызов работает в той же транзакции
		return tx.WithTx(ctx, func(inner repository.Store) error {
			if _, err := inner.UpsertTask(ctx, "tok", models.Task{ID: "t2", Name: "Committed"}); err != nil {
				return err
			}
			return inner.IncrementMemberMetric(ctx, "tok", "bob", models.MetricTasksAssigned)
		})
	})
	require.NoError(t, err)

	tasks, err = store.ListTasks(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Committed", tasks[0].Name)
	bob, err = store.GetMember(ctx, "tok", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.Metrics.TasksAssigned)
}
