package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const taskColumns = `task_id, type, priority, config, required_tags,
	memory_mb, slots, affinity_hint,
	status, reason, resource_id, job_handle,
	retry_count, max_retries,
	result_refs, error,
	created_at, assigned_at, started_at, completed_at, updated_at`

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	configJSON, _ := json.Marshal(task.Config)

	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_tasks (type, priority, config, required_tags,
			memory_mb, slots, affinity_hint, status, reason, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING task_id, created_at, updated_at`,
		task.Type, task.Priority, configJSON, task.RequiredTags,
		task.MemoryMB, task.Slots, task.AffinityHint, task.Status, task.Reason, task.MaxRetries,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM warden_tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM warden_tasks WHERE 1=1`
	args := []interface{}{}
	n := 0

	if filter.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		n++
		query += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, filter.Type)
	}
	if filter.Resource != nil {
		n++
		query += fmt.Sprintf(" AND resource_id = $%d", n)
		args = append(args, *filter.Resource)
	}

	query += " ORDER BY created_at ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)

	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	configJSON, _ := json.Marshal(task.Config)

	_, err := s.pool.Exec(ctx, `
		UPDATE warden_tasks SET
			type = $2, priority = $3, config = $4, required_tags = $5,
			memory_mb = $6, slots = $7, affinity_hint = $8,
			status = $9, reason = $10, resource_id = $11, job_handle = $12,
			retry_count = $13, max_retries = $14,
			result_refs = $15, error = $16,
			assigned_at = $17, started_at = $18, completed_at = $19,
			updated_at = now()
		WHERE task_id = $1`,
		task.ID, task.Type, task.Priority, configJSON, task.RequiredTags,
		task.MemoryMB, task.Slots, task.AffinityHint,
		task.Status, task.Reason, task.ResourceID, task.JobHandle,
		task.RetryCount, task.MaxRetries,
		task.ResultRefs, task.Error,
		task.AssignedAt, task.StartedAt, task.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetActiveTasksForResource(ctx context.Context, resourceID uuid.UUID) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM warden_tasks WHERE resource_id = $1 AND status IN ('assigned', 'running')`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

const resourceColumns = `resource_id, name, tags, memory_mb, slots, affinity_hint,
	health, drained, utilization_pct, reported_free_mb,
	last_heartbeat_at, missed_heartbeats, registered_at, updated_at`

func (s *PostgresStore) CreateResource(ctx context.Context, r *Resource) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_resources (name, tags, memory_mb, slots, affinity_hint, health)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING resource_id, registered_at, updated_at`,
		r.Name, r.Tags, r.MemoryMB, r.Slots, r.AffinityHint, r.Health,
	).Scan(&r.ID, &r.RegisteredAt, &r.UpdatedAt)
}

func (s *PostgresStore) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+`
		FROM warden_resources WHERE resource_id = $1`, id)
	r, err := scanResource(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListResources(ctx context.Context) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+`
		FROM warden_resources ORDER BY registered_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateResource(ctx context.Context, r *Resource) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE warden_resources SET
			name = $2, tags = $3, memory_mb = $4, slots = $5, affinity_hint = $6,
			health = $7, drained = $8, utilization_pct = $9, reported_free_mb = $10,
			last_heartbeat_at = $11, missed_heartbeats = $12, updated_at = now()
		WHERE resource_id = $1`,
		r.ID, r.Name, r.Tags, r.MemoryMB, r.Slots, r.AffinityHint,
		r.Health, r.Drained, r.UtilizationPct, r.ReportedFreeMB,
		r.LastHeartbeatAt, r.MissedHeartbeats,
	)
	return err
}

func (s *PostgresStore) DeleteResource(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM warden_resources WHERE resource_id = $1`, id)
	return err
}

func (s *PostgresStore) CreateQualityScore(ctx context.Context, qs *QualityScore) error {
	snapshotJSON, _ := json.Marshal(qs.Snapshot)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO warden_quality_scores (task_id, output_ref,
			aesthetic, technical, domain_match, composite,
			decision, reason, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		qs.TaskID, qs.OutputRef,
		qs.Aesthetic, qs.Technical, qs.DomainMatch, qs.Composite,
		qs.Decision, qs.Reason, snapshotJSON,
	).Scan(&qs.ID, &qs.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const scoreColumns = `id, task_id, output_ref, aesthetic, technical, domain_match,
	composite, decision, reason, snapshot, created_at`

func (s *PostgresStore) GetQualityScoreForTask(ctx context.Context, taskID uuid.UUID) (*QualityScore, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+scoreColumns+`
		FROM warden_quality_scores WHERE task_id = $1`, taskID)
	qs, err := scanScore(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return qs, err
}

func (s *PostgresStore) ListPendingReviews(ctx context.Context, limit int) ([]*QualityScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+scoreColumns+`
		FROM warden_quality_scores WHERE decision = 'pending_review'
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QualityScore
	for rows.Next() {
		qs, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *Event) error {
	payloadJSON, _ := json.Marshal(e.Payload)
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_events (source, kind, severity, target, correlation_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.Source, e.Kind, e.Severity, e.Target, e.CorrelationID, payloadJSON,
	).Scan(&e.ID, &e.CreatedAt)
}

const escalationColumns = `id, event_id, target, action_type, confidence, action,
	window_count, window_limit, confirm_token, confirm_expires_at,
	outcome, recheck_healthy, created_at, updated_at`

func (s *PostgresStore) CreateEscalation(ctx context.Context, d *EscalationDecision) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_escalations (event_id, target, action_type, confidence, action,
			window_count, window_limit, confirm_token, confirm_expires_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		d.EventID, d.Target, d.ActionType, d.Confidence, d.Action,
		d.WindowCount, d.WindowLimit, nullString(d.ConfirmToken), d.ConfirmExpiresAt, d.Outcome,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (s *PostgresStore) UpdateEscalation(ctx context.Context, d *EscalationDecision) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE warden_escalations SET
			action = $2, outcome = $3, recheck_healthy = $4, updated_at = now()
		WHERE id = $1`,
		d.ID, d.Action, d.Outcome, d.RecheckHealthy,
	)
	return err
}

func (s *PostgresStore) GetEscalation(ctx context.Context, id uuid.UUID) (*EscalationDecision, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+escalationColumns+`
		FROM warden_escalations WHERE id = $1`, id)
	d, err := scanEscalation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) GetEscalationByToken(ctx context.Context, token string) (*EscalationDecision, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+escalationColumns+`
		FROM warden_escalations WHERE confirm_token = $1`, token)
	d, err := scanEscalation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) ListEscalations(ctx context.Context, limit int) ([]*EscalationDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+escalationColumns+`
		FROM warden_escalations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EscalationDecision
	for rows.Next() {
		d, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	detailsJSON, _ := json.Marshal(entry.Details)
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_audit (category, ref_id, actor, summary, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.Category, entry.RefID, entry.Actor, entry.Summary, detailsJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
}

func (s *PostgresStore) QueryAudit(ctx context.Context, since time.Time, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, category, ref_id, actor, summary, details, created_at
		FROM warden_audit WHERE created_at >= $1
		ORDER BY created_at ASC LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var detailsJSON []byte
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.Category, &e.RefID, &actor, &e.Summary, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			e.Actor = actor.String
		}
		if detailsJSON != nil {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('assigned','running') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed','timed_out') THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - assigned_at)) * 1000) FILTER (WHERE status = 'completed' AND completed_at IS NOT NULL AND assigned_at IS NOT NULL), 0)
		FROM warden_tasks`,
	).Scan(&stats.TotalQueued, &stats.TotalRunning, &stats.TotalCompleted, &stats.TotalFailed, &stats.AvgCompletionMs)
	return stats, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var configJSON []byte
	var reason, jobHandle, taskError, affinity sql.NullString
	err := row.Scan(
		&t.ID, &t.Type, &t.Priority, &configJSON, &t.RequiredTags,
		&t.MemoryMB, &t.Slots, &affinity,
		&t.Status, &reason, &t.ResourceID, &jobHandle,
		&t.RetryCount, &t.MaxRetries,
		&t.ResultRefs, &taskError,
		&t.CreatedAt, &t.AssignedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if affinity.Valid {
		t.AffinityHint = affinity.String
	}
	if reason.Valid {
		t.Reason = reason.String
	}
	if jobHandle.Valid {
		t.JobHandle = jobHandle.String
	}
	if taskError.Valid {
		t.Error = taskError.String
	}
	if configJSON != nil {
		_ = json.Unmarshal(configJSON, &t.Config)
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanResource(row rowScanner) (*Resource, error) {
	r := &Resource{}
	var affinity sql.NullString
	err := row.Scan(
		&r.ID, &r.Name, &r.Tags, &r.MemoryMB, &r.Slots, &affinity,
		&r.Health, &r.Drained, &r.UtilizationPct, &r.ReportedFreeMB,
		&r.LastHeartbeatAt, &r.MissedHeartbeats, &r.RegisteredAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if affinity.Valid {
		r.AffinityHint = affinity.String
	}
	return r, nil
}

func scanScore(row rowScanner) (*QualityScore, error) {
	qs := &QualityScore{}
	var snapshotJSON []byte
	var reason sql.NullString
	err := row.Scan(
		&qs.ID, &qs.TaskID, &qs.OutputRef, &qs.Aesthetic, &qs.Technical, &qs.DomainMatch,
		&qs.Composite, &qs.Decision, &reason, &snapshotJSON, &qs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		qs.Reason = reason.String
	}
	if snapshotJSON != nil {
		_ = json.Unmarshal(snapshotJSON, &qs.Snapshot)
	}
	return qs, nil
}

func scanEscalation(row rowScanner) (*EscalationDecision, error) {
	d := &EscalationDecision{}
	var token sql.NullString
	err := row.Scan(
		&d.ID, &d.EventID, &d.Target, &d.ActionType, &d.Confidence, &d.Action,
		&d.WindowCount, &d.WindowLimit, &token, &d.ConfirmExpiresAt,
		&d.Outcome, &d.RecheckHealthy, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if token.Valid {
		d.ConfirmToken = token.String
	}
	return d, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
