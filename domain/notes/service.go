package notes

import (
	"context"
	"log/slog"

	"github.com/opennotes-dev/opennotes-server/domain/scoring"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Service handles business logic for notes and supplies the scoring inputs.
type Service struct {
	repo *Repository
	log  *slog.Logger
}

// NewService creates a new notes service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("notes.svc")),
	}
}

// AsDataProvider exposes the service as the scoring data source.
func AsDataProvider(s *Service) scoring.DataProvider {
	return s
}

// List returns notes for a community server.
func (s *Service) List(ctx context.Context, params ListParams) ([]Note, int, error) {
	return s.repo.List(ctx, params)
}

// Create stores a note and reports the server's total note count before and
// after the insert, so the caller can detect batch-scoring threshold
// crossings.
func (s *Service) Create(ctx context.Context, note *Note) (prev, curr int, err error) {
	prev, err = s.repo.CountForServer(ctx, note.CommunityServerID)
	if err != nil {
		return 0, 0, err
	}
	if err = s.repo.Insert(ctx, note); err != nil {
		return 0, 0, err
	}
	return prev, prev + 1, nil
}

// Notes implements scoring.DataProvider.
func (s *Service) Notes(ctx context.Context, communityServerID string) ([]scoring.Note, error) {
	rows, err := s.repo.NotesForServer(ctx, communityServerID)
	if err != nil {
		return nil, err
	}
	out := make([]scoring.Note, 0, len(rows))
	for _, n := range rows {
		out = append(out, scoring.Note{
			ID:       n.ID,
			AuthorID: n.AuthorParticipantID,
		})
	}
	return out, nil
}

// Ratings implements scoring.DataProvider.
func (s *Service) Ratings(ctx context.Context, communityServerID string) ([]scoring.Rating, error) {
	rows, err := s.repo.RatingsForServer(ctx, communityServerID)
	if err != nil {
		return nil, err
	}
	out := make([]scoring.Rating, 0, len(rows))
	for _, r := range rows {
		out = append(out, scoring.Rating{
			NoteID:  r.NoteID,
			RaterID: r.RaterParticipantID,
			Helpful: r.Helpful,
		})
	}
	return out, nil
}

// Enrollment implements scoring.DataProvider.
func (s *Service) Enrollment(ctx context.Context, communityServerID string) ([]scoring.Participant, error) {
	ids, err := s.repo.ParticipantIDs(ctx, communityServerID)
	if err != nil {
		return nil, err
	}
	out := make([]scoring.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, scoring.Participant{ID: id})
	}
	return out, nil
}
