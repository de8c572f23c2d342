package taskstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewWithDB(db)
}

func TestStoreCreateAsAgentSetsProposedWithTransition(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			sqlmock.AnyArg(), "nightly digest", "", "scheduled", "proposed",
			"", "", sqlmock.AnyArg(), "", sqlmock.AnyArg(), "0 8 * * *", "",
			sqlmock.AnyArg(), "", sqlmock.AnyArg(), "execute", false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 0, sqlmock.AnyArg(), 0, "",
			"on_failure", "", "", "", "agent", sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_transitions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "new", "proposed", "task created", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	task := &Task{
		Name:           "nightly digest",
		Kind:           KindScheduled,
		CronExpression: "0 8 * * *",
		CreatedBy:      "agent",
	}
	err := store.Create(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, task.Status)
	assert.NotEmpty(t, task.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCreateAsHumanSetsActiveWithTransition(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_transitions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "new", "active", "task created", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	task := &Task{
		Name:      "weekly report",
		Kind:      KindOneshot,
		CreatedBy: "user",
	}
	err := store.Create(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, task.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateWithStatusChangeRecordsOneTransition(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM tasks WHERE id = ?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_transitions").
		WithArgs(sqlmock.AnyArg(), "task-1", "active", "paused", "user paused", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	task := &Task{ID: "task-1", Name: "n", Kind: KindScheduled, Status: StatusPaused}
	err := store.Update(context.Background(), task, "user paused")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateWithoutStatusChangeRecordsNone(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM tasks WHERE id = ?").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	task := &Task{ID: "task-1", Name: "n", Kind: KindScheduled, Status: StatusActive}
	err := store.Update(context.Background(), task, "no-op edit")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateReturnsNotFoundWhenRowMissing(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM tasks WHERE id = ?").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	task := &Task{ID: "missing", Status: StatusActive}
	err := store.Update(context.Background(), task, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetDueTasksUsesExpectedFilter(t *testing.T) {
	mock, store := setupMockDB(t)

	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "name", "description", "kind", "status", "prompt", "workflow", "memory_context",
		"memory_category", "interval_ms", "cron_expression", "business_hours", "depends_on",
		"event_source", "event_config", "trigger_mode", "persist_conversation", "next_run_at",
		"last_run_at", "run_count", "max_runs", "consecutive_failures", "last_error_kind",
		"notify", "last_result_hash", "channel", "channel_target", "created_by", "created_at", "updated_at",
	}).AddRow(
		"task-1", "digest", "", "scheduled", "active", "", "", "",
		"", nil, "0 8 * * *", "", "",
		"", "", "execute", false, now,
		nil, 0, nil, 0, "",
		"on_failure", "", "", "", "agent", now, now,
	)

	mock.ExpectQuery("SELECT (.|\n)* FROM tasks\\s+WHERE status = \\? AND kind IN \\(\\?, \\?\\) AND next_run_at IS NOT NULL AND next_run_at <= \\?\\s+ORDER BY next_run_at ASC").
		WithArgs("active", "scheduled", "oneshot", now).
		WillReturnRows(rows)

	tasks, err := store.GetDueTasks(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCompactDeletesAcrossThreeTablesInOneTransaction(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM task_runs WHERE started_at < \\?").WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("DELETE FROM task_transitions WHERE timestamp < \\?").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM task_proposals WHERE created_at < \\?").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Compact(context.Background(), 30)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCompleteRunUpdatesRunAndTaskCounters(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT task_id FROM task_runs WHERE id = ?").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("task-1"))
	mock.ExpectExec("UPDATE task_runs SET").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE tasks SET run_count = run_count \\+ 1, last_run_at = \\?, consecutive_failures = 0").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.CompleteRun(context.Background(), "run-1", RunSuccess, "ok", "", "", 120)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreWasRecentlyRejectedQueriesJoin(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM task_proposals p").
		WithArgs("nightly digest", "rejected", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rejected, err := store.WasRecentlyRejected(context.Background(), "nightly digest", int64(24*time.Hour/time.Millisecond))
	require.NoError(t, err)
	assert.True(t, rejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDeleteCascadesToRunsTransitionsAndProposals(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	task := &Task{Name: "cascade check", Kind: KindScheduled, CronExpression: "0 8 * * *", CreatedBy: "human"}
	require.NoError(t, store.Create(ctx, task))

	require.NoError(t, store.CreateRun(ctx, &Run{TaskID: task.ID}))
	require.NoError(t, store.CreateProposal(ctx, &Proposal{TaskID: task.ID, Channel: "none"}))

	var transitions int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_transitions WHERE task_id = ?`, task.ID).Scan(&transitions))
	require.Greater(t, transitions, 0)

	require.NoError(t, store.Delete(ctx, task.ID))

	var runs, remainingTransitions, proposals int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs WHERE task_id = ?`, task.ID).Scan(&runs))
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_transitions WHERE task_id = ?`, task.ID).Scan(&remainingTransitions))
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_proposals WHERE task_id = ?`, task.ID).Scan(&proposals))

	assert.Zero(t, runs)
	assert.Zero(t, remainingTransitions)
	assert.Zero(t, proposals)
}
