package postgres

import (
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/vinayprograms/taskbroker/store"
)

const (
	tasksTable  = "tasks"
	eventsTable = "events"
)

var (
	taskColumns  = []string{"id", "spec", "status", "last_heartbeat", "retries", "created_at", "run_id"}
	eventColumns = []string{"seq", "task_id", "run_id", "type", "body", "created_at"}
)

// psql builds statements with $n placeholders.
var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

func insertTaskQuery(id string, spec []byte, createdAt time.Time) squirrel.InsertBuilder {
	return psql.Insert(tasksTable).
		Columns("id", "spec", "status", "retries", "created_at").
		Values(id, spec, string(store.StatusOpen), 0, createdAt)
}

// claimQuery moves the oldest open task to processing. Rows locked by a
// concurrent claimer are skipped rather than waited on.
func claimQuery(runID string, now time.Time) squirrel.UpdateBuilder {
	oldest := squirrel.Select("id").
		From(tasksTable).
		Where(squirrel.Eq{"status": string(store.StatusOpen)}).
		OrderBy("created_at", "id").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	return psql.Update(tasksTable).
		Set("status", string(store.StatusProcessing)).
		Set("run_id", runID).
		Set("last_heartbeat", now).
		Where(squirrel.Expr("id = (?)", oldest)).
		Suffix("RETURNING " + strings.Join(taskColumns, ", "))
}

// runQuery updates the task owned by an active run.
func runQuery(runID string) squirrel.UpdateBuilder {
	return psql.Update(tasksTable).
		Where(squirrel.Eq{
			"run_id": runID,
			"status": string(store.StatusProcessing),
		})
}

func heartbeatQuery(runID string, now time.Time) squirrel.UpdateBuilder {
	return runQuery(runID).Set("last_heartbeat", now)
}

func setStatusQuery(runID string, status store.Status) squirrel.UpdateBuilder {
	return runQuery(runID).Set("status", string(status))
}

func requeueQuery(runID string) squirrel.UpdateBuilder {
	return runQuery(runID).
		Set("status", string(store.StatusOpen)).
		Set("run_id", nil).
		Set("last_heartbeat", nil).
		Set("retries", squirrel.Expr("retries + 1"))
}

func cancelQuery(taskID string) squirrel.UpdateBuilder {
	return psql.Update(tasksTable).
		Set("status", string(store.StatusCancelled)).
		Where(squirrel.Eq{
			"id":     taskID,
			"status": []string{string(store.StatusOpen), string(store.StatusProcessing)},
		})
}

func getTaskQuery(taskID string) squirrel.SelectBuilder {
	return psql.Select(taskColumns...).
		From(tasksTable).
		Where(squirrel.Eq{"id": taskID})
}

// lockTaskQuery serializes sequence assignment per task.
func lockTaskQuery(taskID string) squirrel.SelectBuilder {
	return psql.Select("id").
		From(tasksTable).
		Where(squirrel.Eq{"id": taskID}).
		Suffix("FOR UPDATE")
}

func nextSeqQuery(taskID string) squirrel.SelectBuilder {
	return psql.Select("COALESCE(MAX(seq), 0) + 1").
		From(eventsTable).
		Where(squirrel.Eq{"task_id": taskID})
}

func insertEventQuery(ev store.Event) squirrel.InsertBuilder {
	return psql.Insert(eventsTable).
		Columns(eventColumns...).
		Values(ev.Seq, ev.TaskID, ev.RunID, string(ev.Type), []byte(ev.Body), ev.CreatedAt)
}

func getEventsQuery(taskID string, after int64) squirrel.SelectBuilder {
	return psql.Select(eventColumns...).
		From(eventsTable).
		Where(squirrel.Eq{"task_id": taskID}).
		Where(squirrel.Gt{"seq": after}).
		OrderBy("seq")
}

func staleTasksQuery(cutoff time.Time) squirrel.SelectBuilder {
	return psql.Select(taskColumns...).
		From(tasksTable).
		Where(squirrel.Eq{"status": string(store.StatusProcessing)}).
		Where(squirrel.Or{
			squirrel.Eq{"last_heartbeat": nil},
			squirrel.Lt{"last_heartbeat": cutoff},
		}).
		OrderBy("created_at", "id")
}
