package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
)

var (
	_ store.TaskStore     = (*Client)(nil)
	_ store.PeriodicStore = (*Client)(nil)
)

// taskRecord is the SurrealDB shape of models.Task.
type taskRecord struct {
	ID            *surrealmodels.RecordID `json:"id,omitempty"`
	Name          string                  `json:"name"`
	Description   string                  `json:"description"`
	Owner         string                  `json:"owner"`
	Status        string                  `json:"status"`
	Progress      int                     `json:"progress"`
	Logs          []models.LogEntry       `json:"logs"`
	LogsTruncated int                     `json:"logs_truncated"`
	Result        any                     `json:"result,omitempty"`
	Error         *string                 `json:"error,omitempty"`
	FileName      *string                 `json:"file_name,omitempty"`
	TotalFiles    *int                    `json:"total_files,omitempty"`
	Seq           int64                   `json:"seq"`
	CreatedAt     time.Time               `json:"created_at"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func (r *taskRecord) toModel() (*models.Task, error) {
	var id string
	if r.ID != nil {
		s, ok := r.ID.ID.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected task id type %T", r.ID.ID)
		}
		id = s
	}
	logs := r.Logs
	if logs == nil {
		logs = []models.LogEntry{}
	}
	return &models.Task{
		ID:            id,
		Name:          r.Name,
		Description:   r.Description,
		Owner:         r.Owner,
		Status:        models.Status(r.Status),
		Progress:      r.Progress,
		Logs:          logs,
		LogsTruncated: r.LogsTruncated,
		Result:        r.Result,
		Error:         r.Error,
		FileName:      r.FileName,
		TotalFiles:    r.TotalFiles,
		Seq:           r.Seq,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func firstTask(results *[]surrealdb.QueryResult[[]taskRecord]) (*models.Task, error) {
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return (*results)[0].Result[0].toModel()
}

// Create inserts a task row. Ids are short uuids unless the caller set one.
func (c *Client) Create(ctx context.Context, t *models.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	now := time.Now().UTC()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	logs := t.Logs
	if logs == nil {
		logs = []models.LogEntry{}
	}
	rec := taskRecord{
		Name:        t.Name,
		Description: t.Description,
		Owner:       t.Owner,
		Status:      string(t.Status),
		Progress:    t.Progress,
		Logs:        logs,
		Result:      t.Result,
		Error:       t.Error,
		FileName:    t.FileName,
		TotalFiles:  t.TotalFiles,
		Seq:         c.seq.Add(1),
		CreatedAt:   created,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		UpdatedAt:   now,
	}

	_, err := surrealdb.Query[[]taskRecord](ctx, c.db, `
		CREATE type::record("task", $id) CONTENT $content
	`, map[string]any{"id": id, "content": rec})
	if err != nil {
		return "", fmt.Errorf("create task: %w", wrapQueryError(err))
	}
	return id, nil
}

// Load returns the task or nil if it does not exist.
func (c *Client) Load(ctx context.Context, id string) (*models.Task, error) {
	results, err := surrealdb.Query[[]taskRecord](ctx, c.db, `
		SELECT * FROM type::record("task", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return firstTask(results)
}

// Update applies patch in a single UPDATE statement. With patch.From set the
// statement only matches rows still in that status.
func (c *Client) Update(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	sets := []string{"updated_at = time::now()"}
	vars := map[string]any{"id": id}

	set := func(field string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%s", field, field))
		vars[field] = v
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		set("progress", *patch.Progress)
	}
	if patch.SetResult {
		if patch.Result == nil {
			sets = append(sets, "result = NONE")
		} else {
			set("result", patch.Result)
		}
	}
	if patch.Error != nil {
		set("error", *patch.Error)
	}
	if patch.FileName != nil {
		set("file_name", *patch.FileName)
	}
	if patch.TotalFiles != nil {
		set("total_files", *patch.TotalFiles)
	}
	if patch.StartedAt != nil {
		set("started_at", patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		set("completed_at", patch.CompletedAt.UTC())
	}

	where := ""
	if patch.From != nil {
		where = "WHERE status = $from"
		vars["from"] = string(*patch.From)
	}

	sql := fmt.Sprintf(`UPDATE type::record("task", $id) SET %s %s RETURN AFTER`, strings.Join(sets, ", "), where)
	results, err := surrealdb.Query[[]taskRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", wrapQueryError(err))
	}
	updated, err := firstTask(results)
	if err != nil || updated != nil {
		return updated, err
	}

	// Nothing matched: either the row is missing or the guard failed.
	current, err := c.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return nil, fmt.Errorf("%w: task %s is %s", store.ErrConflict, id, current.Status)
}

// AppendLog appends one entry and trims the oldest beyond limit in one
// transaction.
func (c *Client) AppendLog(ctx context.Context, id string, entry models.LogEntry, limit int) error {
	results, err := surrealdb.Query[[]taskRecord](ctx, c.db, `
		BEGIN TRANSACTION;
		UPDATE type::record("task", $id) SET logs += $entry, updated_at = time::now() RETURN id;
		IF $limit > 0 {
			UPDATE type::record("task", $id) SET
				logs_truncated += array::len(logs) - $limit,
				logs = array::slice(logs, array::len(logs) - $limit)
			WHERE array::len(logs) > $limit;
		};
		COMMIT TRANSACTION;
	`, map[string]any{"id": id, "entry": entry, "limit": limit})
	if err != nil {
		return fmt.Errorf("append task log: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// List returns tasks matching filter in creation order. With a limit only
// the newest rows are returned, still oldest first.
func (c *Client) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	var conds []string
	vars := map[string]any{}
	if filter.Owner != "" {
		conds = append(conds, "owner = $owner")
		vars["owner"] = filter.Owner
	}
	if filter.Name != "" {
		conds = append(conds, "name = $name")
		vars["name"] = filter.Name
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		conds = append(conds, "status IN $statuses")
		vars["statuses"] = statuses
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	sql := fmt.Sprintf(`SELECT * FROM task %s ORDER BY created_at ASC, seq ASC`, where)
	if filter.Limit > 0 {
		vars["limit"] = filter.Limit
		sql = fmt.Sprintf(`SELECT * FROM (SELECT * FROM task %s ORDER BY created_at DESC, seq DESC LIMIT $limit) ORDER BY created_at ASC, seq ASC`, where)
	}

	results, err := surrealdb.Query[[]taskRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []*models.Task{}, nil
	}
	recs := (*results)[0].Result
	out := make([]*models.Task, 0, len(recs))
	for i := range recs {
		t, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ReconcileInterrupted fails RUNNING rows and cancels PENDING rows whose
// workers died with the previous process.
func (c *Client) ReconcileInterrupted(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]taskRecord](ctx, c.db, `
		UPDATE task SET status = "FAILED", error = $msg, completed_at = time::now(), updated_at = time::now()
			WHERE status = "RUNNING" RETURN id;
		UPDATE task SET status = "CANCELLED", error = $msg, completed_at = time::now(), updated_at = time::now()
			WHERE status = "PENDING" RETURN id;
	`, map[string]any{"msg": store.ReconcileError})
	if err != nil {
		return 0, fmt.Errorf("reconcile tasks: %w", wrapQueryError(err))
	}
	n := 0
	if results != nil {
		for _, r := range *results {
			n += len(r.Result)
		}
	}
	return n, nil
}

type periodicRecord struct {
	LastRanAt time.Time `json:"last_ran_at"`
}

// LastRun returns the zero time when the job never completed.
func (c *Client) LastRun(ctx context.Context, job string) (time.Time, error) {
	results, err := surrealdb.Query[[]periodicRecord](ctx, c.db, `
		SELECT last_ran_at FROM type::record("periodic_job", $name)
	`, map[string]any{"name": job})
	if err != nil {
		return time.Time{}, fmt.Errorf("load periodic state: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return time.Time{}, nil
	}
	return (*results)[0].Result[0].LastRanAt, nil
}

// SetLastRun records a successful periodic run.
func (c *Client) SetLastRun(ctx context.Context, job string, at time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("periodic_job", $name) SET last_ran_at = $at
	`, map[string]any{"name": job, "at": at.UTC()})
	if err != nil {
		return fmt.Errorf("save periodic state: %w", wrapQueryError(err))
	}
	return nil
}
