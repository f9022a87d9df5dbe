package factchecks

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
	"github.com/opennotes-dev/opennotes-server/pkg/mathutil"
)

// Repository handles database operations for fact-check datasets
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new fact-check repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("factchecks.repo")),
	}
}

// ImportCandidates inserts manifest rows idempotently. Re-importing the same
// manifest is a no-op: the (source_url, claim_hash, dataset_name) key drops
// duplicates.
func (r *Repository) ImportCandidates(ctx context.Context, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	res, err := r.db.NewInsert().Model(&candidates).
		On("CONFLICT (source_url, claim_hash, dataset_name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		r.log.Error("candidate import failed", logger.Error(err))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetCandidate fetches a candidate by id
func (r *Repository) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	cand := new(Candidate)
	err := r.db.NewSelect().Model(cand).Where("cand.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("fact-check candidate", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return cand, nil
}

// ListCandidates returns candidates matching the filters, newest first.
func (r *Repository) ListCandidates(ctx context.Context, params ListParams) ([]Candidate, int, error) {
	limit := mathutil.ClampLimit(params.Limit, 50, 200)

	var candidates []Candidate
	q := r.db.NewSelect().Model(&candidates).
		Order("cand.created_at DESC").
		Limit(limit).
		Offset(params.Offset)
	if params.DatasetName != "" {
		q = q.Where("cand.dataset_name = ?", params.DatasetName)
	}
	if params.Status != "" {
		q = q.Where("cand.status = ?", params.Status)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return candidates, total, nil
}

// Transition moves a candidate between statuses with a guarded update.
// Concurrent movers lose cleanly: zero rows means the status changed under
// us, reported as 409.
func (r *Repository) Transition(ctx context.Context, id string, from, to Status, apply func(*bun.UpdateQuery)) (*Candidate, error) {
	if !CanTransition(from, to) {
		return nil, apperror.NewConflict(fmt.Sprintf("illegal candidate transition %s -> %s", from, to))
	}

	q := r.db.NewUpdate().Model((*Candidate)(nil)).
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
		current, gerr := r.GetCandidate(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperror.NewConflict(
			fmt.Sprintf("candidate is %s, expected %s", current.Status, from))
	}
	return r.GetCandidate(ctx, id)
}

// Promote creates the corpus item for a candidate in two committed steps:
// the row is first marked PROMOTING, then the item insert and the PROMOTED
// flip share one transaction. A crash in between leaves a PROMOTING row with
// no linked item, and calling Promote again picks it up from there.
// Idempotent: an already promoted candidate returns its existing item with
// created=false.
func (r *Repository) Promote(ctx context.Context, candidateID string, build func(*Candidate) *Item) (*Item, bool, error) {
	cand, err := r.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, false, err
	}
	if cand.Status == StatusPromoted && cand.PromotedItemID != nil {
		existing, err := r.GetItem(ctx, *cand.PromotedItemID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if cand.Status != StatusPromoting {
		if !CanTransition(cand.Status, StatusPromoting) {
			return nil, false, apperror.NewConflict(fmt.Sprintf("cannot promote candidate in status %s", cand.Status))
		}
		if cand.Status == StatusNew && cand.ClaimText == "" {
			return nil, false, apperror.NewConflict("candidate has no claim text, scrape it first")
		}
		if cand, err = r.Transition(ctx, candidateID, cand.Status, StatusPromoting, nil); err != nil {
			return nil, false, err
		}
	}

	var item *Item
	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		locked := new(Candidate)
		err := tx.NewSelect().Model(locked).
			Where("cand.id = ?", candidateID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NewNotFound("fact-check candidate", candidateID)
		}
		if err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		if locked.Status != StatusPromoting {
			return apperror.NewConflict(
				fmt.Sprintf("candidate is %s, expected %s", locked.Status, StatusPromoting))
		}

		item = build(locked)
		if _, err := tx.NewInsert().Model(item).Returning("*").Exec(ctx); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}

		_, err = tx.NewUpdate().Model((*Candidate)(nil)).
			Set("status = ?", StatusPromoted).
			Set("promoted_item_id = ?", item.ID).
			Set("updated_at = now()").
			Where("id = ?", locked.ID).
			Exec(ctx)
		if err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		return nil
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return nil, false, appErr
		}
		return nil, false, apperror.ErrDatabase.WithInternal(err)
	}
	return item, true, nil
}

// GetItem fetches a promoted item by id
func (r *Repository) GetItem(ctx context.Context, id string) (*Item, error) {
	item := new(Item)
	err := r.db.NewSelect().Model(item).Where("fci.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("fact-check item", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return item, nil
}

// BatchItems streams promoted items in id order for rechunking.
func (r *Repository) BatchItems(ctx context.Context, afterID string, limit int) ([]Item, error) {
	var items []Item
	q := r.db.NewSelect().Model(&items).Order("fci.id ASC").Limit(limit)
	if afterID != "" {
		q = q.Where("fci.id > ?", afterID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return items, nil
}

// ListScrapeable returns a dataset's candidates that still need a scrape:
// NEW or FAILED rows without claim text. SCRAPING rows count too, so claims
// orphaned by a crash get re-enqueued on the next import.
func (r *Repository) ListScrapeable(ctx context.Context, datasetName string) ([]Candidate, error) {
	var candidates []Candidate
	err := r.db.NewSelect().Model(&candidates).
		Where("cand.dataset_name = ?", datasetName).
		Where("cand.status IN (?)", bun.In([]Status{StatusNew, StatusScraping, StatusFailed})).
		Where("COALESCE(cand.claim_text, '') = ''").
		Order("cand.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return candidates, nil
}

// MarkScraping claims a candidate for an in-flight scrape.
func (r *Repository) MarkScraping(ctx context.Context, id string, from Status) (*Candidate, error) {
	return r.Transition(ctx, id, from, StatusScraping, nil)
}

// MarkScraped records scrape output on a SCRAPING candidate.
func (r *Repository) MarkScraped(ctx context.Context, id string, from Status, title, claim string, scrapedAt time.Time) (*Candidate, error) {
	return r.Transition(ctx, id, from, StatusScraped, func(q *bun.UpdateQuery) {
		if title != "" {
			q.Set("title = ?", title)
		}
		if claim != "" {
			q.Set("claim_text = ?", claim)
		}
		q.Set("failure_reason = ''")
		q.Set("scraped_at = ?", scrapedAt)
	})
}

// MarkFailed records a scrape failure with its reason.
func (r *Repository) MarkFailed(ctx context.Context, id string, from Status, reason string) (*Candidate, error) {
	return r.Transition(ctx, id, from, StatusFailed, func(q *bun.UpdateQuery) {
		q.Set("failure_reason = ?", reason)
	})
}
