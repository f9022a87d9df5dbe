package batchjobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/pgutils"
)

// ErrActiveJobExists signals the one-active-job-per-server guard.
func ErrActiveJobExists(jobType, communityServerID, existingID string) *apperror.Error {
	return apperror.NewConflict(
		fmt.Sprintf("an active %s job already exists for this community server", jobType),
	).WithDetails(map[string]any{
		"job_type":            jobType,
		"community_server_id": communityServerID,
		"existing_job_id":     existingID,
	})
}

// Repository handles database operations for batch jobs
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new batch jobs repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("batchjobs.repo")),
	}
}

// Create inserts a job after the concurrent-creation guard: the transaction
// locks any live sentinel row for the same (job_type, community_server_id);
// finding one is a conflict, and the partial unique index backstops races the
// read misses.
func (r *Repository) Create(ctx context.Context, req NewJob) (*BatchJob, error) {
	job := &BatchJob{
		JobType:           req.JobType,
		CommunityServerID: req.CommunityServerID,
		Status:            StatusPending,
		RequestedBy:       req.RequestedBy,
		Parameters:        req.Parameters,
		TotalItems:        req.TotalItems,
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var existingID string
		err := tx.NewSelect().Model((*BatchJob)(nil)).
			Column("id").
			Where("job_type = ?", req.JobType).
			Where("community_server_id = ?", req.CommunityServerID).
			Where("status IN (?)", bun.In([]Status{StatusPending, StatusInProgress})).
			For("UPDATE").
			Limit(1).
			Scan(ctx, &existingID)
		if err == nil {
			return ErrActiveJobExists(req.JobType, req.CommunityServerID, existingID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.NewInsert().Model(job).Returning("*").Exec(ctx)
		return err
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		if pgutils.IsUniqueViolation(err) {
			return nil, ErrActiveJobExists(req.JobType, req.CommunityServerID, "")
		}
		r.log.Error("failed to create batch job", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return job, nil
}

// Get fetches a job by id.
func (r *Repository) Get(ctx context.Context, id string) (*BatchJob, error) {
	job := new(BatchJob)
	err := r.db.NewSelect().Model(job).Where("bj.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("batch job", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return job, nil
}

// List returns jobs matching the filter.
func (r *Repository) List(ctx context.Context, params ListParams) ([]BatchJob, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	jobs := []BatchJob{}
	q := r.db.NewSelect().Model(&jobs)
	if params.Status != "" {
		q = q.Where("status = ?", params.Status)
	}
	if params.JobType != "" {
		q = q.Where("job_type = ?", params.JobType)
	}
	if params.CommunityServerID != "" {
		q = q.Where("community_server_id = ?", params.CommunityServerID)
	}

	total, err := q.Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return jobs, total, nil
}

// Transition moves a job along the DAG in one guarded update. The WHERE on
// the current status makes concurrent transitions lose cleanly.
func (r *Repository) Transition(ctx context.Context, id string, from, to Status, apply func(*bun.UpdateQuery)) (*BatchJob, error) {
	if !CanTransition(from, to) {
		return nil, apperror.NewConflict(
			fmt.Sprintf("batch job cannot move from %s to %s", from, to),
		)
	}

	q := r.db.NewUpdate().Model((*BatchJob)(nil)).
		Set("status = ?", to).
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", from)
	if apply != nil {
		apply(q)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Re-read to report what actually blocked the move.
		current, gerr := r.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperror.NewConflict(
			fmt.Sprintf("batch job is %s, expected %s", current.Status, from),
		)
	}
	return r.Get(ctx, id)
}

// AddProgress durably accumulates progress counters.
func (r *Repository) AddProgress(ctx context.Context, id string, processedDelta, failedDelta int) error {
	_, err := r.db.NewUpdate().Model((*BatchJob)(nil)).
		Set("processed_items = processed_items + ?", processedDelta).
		Set("failed_items = failed_items + ?", failedDelta).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// ListStale returns live jobs untouched since the cutoff. updated_at
// advances on every transition and progress write, so a job that is still
// moving never reads as stale; PENDING jobs that never dispatched do.
func (r *Repository) ListStale(ctx context.Context, cutoff time.Time) ([]BatchJob, error) {
	jobs := []BatchJob{}
	err := r.db.NewSelect().Model(&jobs).
		Where("status IN (?)", bun.In([]Status{StatusPending, StatusInProgress})).
		Where("updated_at < ?", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return jobs, nil
}

// ListInProgress returns every running job.
func (r *Repository) ListInProgress(ctx context.Context) ([]BatchJob, error) {
	jobs := []BatchJob{}
	err := r.db.NewSelect().Model(&jobs).
		Where("status = ?", StatusInProgress).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return jobs, nil
}
