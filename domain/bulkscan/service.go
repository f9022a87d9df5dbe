package bulkscan

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

const (
	// scanLockTTL bounds how long a crashed scan can block its server.
	scanLockTTL = 6 * time.Hour

	// progressTTL keeps the progress hash around briefly after completion.
	progressTTL = 48 * time.Hour

	defaultWindowDays = 30
	maxWindowDays     = 365
)

// Service coordinates bulk scan lifecycle: triggering, progress, lookup.
type Service struct {
	repo  *Repository
	cache *cache.Client
	bus   *bus.Bus
	cfg   *config.Config
	log   *slog.Logger
}

// NewService creates the bulk scan service
func NewService(
	repo *Repository,
	cacheClient *cache.Client,
	eventBus *bus.Bus,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return &Service{
		repo:  repo,
		cache: cacheClient,
		bus:   eventBus,
		cfg:   cfg,
		log:   log.With(logger.Scope("bulkscan")),
	}
}

func lockName(communityServerID string) string {
	return "bulkscan:" + communityServerID
}

func (s *Service) progressKey(scanID string) string {
	return s.cache.Key("scanprogress", scanID)
}

// Start creates a scan and announces it to the platform-side collector. One
// active scan per server: the cache lock turns concurrent triggers into 409s.
func (s *Service) Start(ctx context.Context, communityServerID, initiatedBy string, req StartRequest) (*Scan, error) {
	if len(req.ChannelIDs) == 0 {
		return nil, apperror.NewValidation("channel_ids must not be empty", "/data/channel_ids")
	}
	if req.WindowDays == 0 {
		req.WindowDays = defaultWindowDays
	}
	if req.WindowDays < 1 || req.WindowDays > maxWindowDays {
		return nil, apperror.NewValidation("window_days must be between 1 and 365", "/data/window_days")
	}

	lock, acquired, err := s.cache.AcquireLock(ctx, lockName(communityServerID), scanLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		holder, _, _ := s.cache.LockHolder(ctx, lockName(communityServerID))
		return nil, apperror.NewConflict("a bulk scan is already running for this server").
			WithDetails(map[string]any{"community_server_id": communityServerID, "lock_holder": holder})
	}

	scan := &Scan{
		CommunityServerID: communityServerID,
		ChannelIDs:        req.ChannelIDs,
		WindowDays:        req.WindowDays,
		Status:            StatusInProgress,
		DebugMode:         req.VibecheckDebugMode,
		InitiatedBy:       initiatedBy,
		LockToken:         lock.Token,
		StartedAt:         time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, scan); err != nil {
		if _, rerr := s.cache.ReleaseLock(ctx, lock); rerr != nil {
			s.log.Warn("failed to release scan lock after create failure", logger.Error(rerr))
		}
		return nil, err
	}

	s.publish(ctx, bus.EventBulkScanInitiated, map[string]any{
		"scan_id":             scan.ID,
		"community_server_id": scan.CommunityServerID,
		"channel_ids":         []string(scan.ChannelIDs),
		"window_days":         scan.WindowDays,
		"debug_mode":          scan.DebugMode,
	})
	scansStarted.Inc()

	s.log.Info("bulk scan started",
		slog.String("scan_id", scan.ID),
		slog.String("community_server_id", communityServerID),
		slog.Int("channels", len(scan.ChannelIDs)),
	)
	return scan, nil
}

// Get returns a scan with its live progress. The cache hash is authoritative
// while the scan runs; durable counters are the floor after a cache loss.
func (s *Service) Get(ctx context.Context, id string) (*Scan, *Progress, error) {
	scan, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	progress := &Progress{
		ScanID:         scan.ID,
		Status:         scan.Status,
		ProcessedCount: scan.TotalMessages,
		FlaggedCount:   scan.FlaggedCount,
	}
	fields, err := s.cache.HGetAll(ctx, s.progressKey(id))
	if err != nil {
		s.log.Warn("scan progress hash unavailable", slog.String("scan_id", id), logger.Error(err))
		return scan, progress, nil
	}
	if v, ok := fields["processed"]; ok {
		if n, perr := strconv.Atoi(v); perr == nil && n > progress.ProcessedCount {
			progress.ProcessedCount = n
		}
	}
	if v, ok := fields["flagged"]; ok {
		if n, perr := strconv.Atoi(v); perr == nil && n > progress.FlaggedCount {
			progress.FlaggedCount = n
		}
	}
	if v, ok := fields["batches"]; ok {
		if n, perr := strconv.Atoi(v); perr == nil {
			progress.Batches = n
		}
	}
	return scan, progress, nil
}

// releaseLock frees the per-server scan lock using the token minted at Start.
func (s *Service) releaseLock(ctx context.Context, scan *Scan) {
	if scan.LockToken == "" {
		return
	}
	lock := &cache.Lock{
		Key:   s.cache.Key("lock", lockName(scan.CommunityServerID)),
		Token: scan.LockToken,
	}
	if _, err := s.cache.ReleaseLock(ctx, lock); err != nil {
		s.log.Warn("scan lock release failed, waiting out TTL",
			slog.String("scan_id", scan.ID), logger.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.bus == nil {
		return
	}
	event, err := bus.NewEvent(eventType, payload)
	if err != nil {
		s.log.Error("failed to build scan event", slog.String("type", eventType), logger.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish scan event", slog.String("type", eventType), logger.Error(err))
	}
}
