package chunks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opennotes-dev/opennotes-server/domain/batchjobs"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/workflow"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
	"github.com/opennotes-dev/opennotes-server/pkg/textsplitter"
)

// Rechunk tuning. One batch is one workflow step, so a crash resumes at the
// last completed batch.
const (
	rechunkBatchSize = 200
	rechunkLockTTL   = 30 * time.Minute
)

// Source streams re-chunkable rows in id order. Fact checks and
// previously-seen messages each register one.
type Source interface {
	Kind() string
	Batch(ctx context.Context, afterID string, limit int) ([]SourceRow, error)
}

// jobTracker is the slice of the batch-job service the rechunk pipeline
// drives. Tests substitute an in-memory fake.
type jobTracker interface {
	Create(ctx context.Context, req batchjobs.NewJob) (*batchjobs.BatchJob, error)
	Start(ctx context.Context, id string) (*batchjobs.BatchJob, error)
	RecordProgress(ctx context.Context, id string, processedDelta, failedDelta int) error
	Complete(ctx context.Context, id string, result json.RawMessage) (*batchjobs.BatchJob, error)
	Fail(ctx context.Context, id, errMsg string) (*batchjobs.BatchJob, error)
}

// Service coordinates chunk storage and the rechunk pipelines.
type Service struct {
	repo     *Repository
	cache    *cache.Client
	jobs     jobTracker
	splitCfg textsplitter.SentenceConfig
	log      *slog.Logger
	sources  map[string]Source
}

// NewService creates the chunks service.
func NewService(
	repo *Repository,
	cacheClient *cache.Client,
	jobs *batchjobs.Service,
	sources []Source,
	log *slog.Logger,
) *Service {
	byKind := make(map[string]Source, len(sources))
	for _, src := range sources {
		byKind[src.Kind()] = src
	}
	return &Service{
		repo:     repo,
		cache:    cacheClient,
		jobs:     jobs,
		splitCfg: textsplitter.DefaultSentenceConfig(),
		log:      log.With(logger.Scope("chunks")),
		sources:  byKind,
	}
}

// UpsertText chunks a parent's text and stores chunks plus links. Returns the
// chunk rows that now back the text.
func (s *Service) UpsertText(ctx context.Context, parent Parent, text string) ([]textsplitter.Chunk, error) {
	chunks := textsplitter.SplitSentenceWindows(text, s.splitCfg)
	if len(chunks) == 0 {
		return nil, nil
	}
	if _, err := s.repo.UpsertChunks(ctx, parent, chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// TriggerRechunk starts a full rechunk of one source kind behind the named
// cache lock. A held lock means another rechunk is running: 409 with the
// holder token in details.
func (s *Service) TriggerRechunk(ctx context.Context, kind, requestedBy string) (*batchjobs.BatchJob, error) {
	if _, ok := s.sources[kind]; !ok {
		return nil, apperror.NewBadRequest(fmt.Sprintf("unknown rechunk kind %q", kind))
	}

	lockName := "rechunk:" + kind
	lock, acquired, err := s.cache.AcquireLock(ctx, lockName, rechunkLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		holder, _, _ := s.cache.LockHolder(ctx, lockName)
		return nil, apperror.NewConflict("a rechunk is already running for this kind").
			WithDetails(map[string]any{"kind": kind, "lock_holder": holder})
	}

	params, _ := json.Marshal(map[string]string{"kind": kind, "lock_token": lock.Token})
	job, err := s.jobs.Create(ctx, batchjobs.NewJob{
		JobType:           "rechunk-" + kind,
		CommunityServerID: "all",
		RequestedBy:       requestedBy,
		Parameters:        params,
	})
	if err != nil {
		if _, rerr := s.cache.ReleaseLock(ctx, lock); rerr != nil {
			s.log.Warn("failed to release rechunk lock after create failure", logger.Error(rerr))
		}
		return nil, err
	}

	started, err := s.jobs.Start(ctx, job.ID)
	if err != nil {
		if _, rerr := s.cache.ReleaseLock(ctx, lock); rerr != nil {
			s.log.Warn("failed to release rechunk lock after start failure", logger.Error(rerr))
		}
		return nil, err
	}
	return started, nil
}

// RegisterWorkflows registers one rechunk workflow per kind. The workflow
// name matches the batch job type, which is how Start dispatches it. The
// last-retry hook settles the job and lock once the attempt budget is spent.
func RegisterWorkflows(registry *workflow.Registry, svc *Service) {
	for _, kind := range []string{KindFactChecks, KindPreviouslySeen} {
		registry.MustRegister("rechunk-"+kind, svc.rechunkWorkflow(kind))
		registry.OnLastRetry("rechunk-"+kind, svc.rechunkFailed(kind))
	}
}

type rechunkInput struct {
	JobID      string          `json:"job_id"`
	Parameters json.RawMessage `json:"parameters"`
}

type rechunkParams struct {
	Kind      string `json:"kind"`
	LockToken string `json:"lock_token"`
}

type rechunkBatchResult struct {
	LastID    string `json:"last_id"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Done      bool   `json:"done"`
}

func (s *Service) rechunkWorkflow(kind string) workflow.WorkflowFunc {
	return func(run *workflow.Run, input json.RawMessage) (json.RawMessage, error) {
		var in rechunkInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode rechunk input: %w", err)
		}
		var params rechunkParams
		if len(in.Parameters) > 0 {
			if err := json.Unmarshal(in.Parameters, &params); err != nil {
				return nil, fmt.Errorf("decode rechunk parameters: %w", err)
			}
		}

		ctx := run.Context()

		src, ok := s.sources[kind]
		if !ok {
			return nil, fmt.Errorf("no source registered for kind %q", kind)
		}

		cursor := ""
		totalProcessed := 0
		totalFailed := 0
		for batch := 0; ; batch++ {
			res, err := workflow.Step(run, fmt.Sprintf("batch-%05d", batch), func(ctx context.Context) (rechunkBatchResult, error) {
				res, err := s.rechunkBatch(ctx, src, cursor)
				if err != nil {
					return res, err
				}
				// Progress rides inside the step so a replayed attempt never
				// re-adds a memoized batch's delta.
				if res.Processed+res.Failed > 0 {
					if perr := s.jobs.RecordProgress(ctx, in.JobID, res.Processed, res.Failed); perr != nil {
						s.log.Warn("failed to record rechunk progress",
							slog.String("job_id", in.JobID), logger.Error(perr))
					}
				}
				return res, nil
			})
			if err != nil {
				// The engine retries this execution. The job stays running and
				// the lock stays held until the last attempt fails, when the
				// rechunkFailed hook settles both.
				return nil, err
			}
			cursor = res.LastID
			totalProcessed += res.Processed
			totalFailed += res.Failed
			if res.Done {
				break
			}
		}

		result, _ := json.Marshal(map[string]int{
			"processed": totalProcessed,
			"failed":    totalFailed,
		})
		if _, err := s.jobs.Complete(ctx, in.JobID, result); err != nil {
			s.log.Error("failed to complete rechunk job",
				slog.String("job_id", in.JobID), logger.Error(err))
		}
		s.releaseRechunkLock(kind, params.LockToken)
		return result, nil
	}
}

// rechunkFailed runs when the workflow's final attempt fails: the job moves
// to FAILED and the rechunk lock releases so a new run can start.
func (s *Service) rechunkFailed(kind string) workflow.LastRetryFunc {
	return func(ctx context.Context, exec *workflow.Execution, cause string) {
		var in rechunkInput
		if err := json.Unmarshal(exec.Input, &in); err != nil {
			s.log.Error("failed to decode input of permanently failed rechunk",
				slog.String("execution_id", exec.ID), logger.Error(err))
			return
		}
		var params rechunkParams
		if len(in.Parameters) > 0 {
			_ = json.Unmarshal(in.Parameters, &params)
		}
		s.failJob(ctx, in.JobID, cause)
		s.releaseRechunkLock(kind, params.LockToken)
	}
}

func (s *Service) rechunkBatch(ctx context.Context, src Source, afterID string) (rechunkBatchResult, error) {
	rows, err := src.Batch(ctx, afterID, rechunkBatchSize)
	if err != nil {
		return rechunkBatchResult{}, err
	}

	res := rechunkBatchResult{LastID: afterID, Done: len(rows) < rechunkBatchSize}
	for _, row := range rows {
		res.LastID = row.ID
		_, err := s.UpsertText(ctx, Parent{
			Kind:              src.Kind(),
			ID:                row.ID,
			CommunityServerID: row.CommunityServerID,
		}, row.Text)
		if err != nil {
			s.log.Warn("rechunk row failed",
				slog.String("kind", src.Kind()),
				slog.String("row_id", row.ID),
				logger.Error(err),
			)
			res.Failed++
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (s *Service) releaseRechunkLock(kind, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lock := &cache.Lock{Key: s.cache.Key("lock", "rechunk:"+kind), Token: token}
	if _, err := s.cache.ReleaseLock(ctx, lock); err != nil {
		s.log.Warn("rechunk lock release failed, waiting out TTL",
			slog.String("kind", kind), logger.Error(err))
	}
}

func (s *Service) failJob(ctx context.Context, jobID, msg string) {
	if _, err := s.jobs.Fail(ctx, jobID, msg); err != nil {
		s.log.Error("failed to mark rechunk job failed",
			slog.String("job_id", jobID), logger.Error(err))
	}
}
