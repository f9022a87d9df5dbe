package bulkscan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opennotes-dev/opennotes-server/domain/chunks"
	"github.com/opennotes-dev/opennotes-server/domain/search"
	"github.com/opennotes-dev/opennotes-server/domain/similarity"
	"github.com/opennotes-dev/opennotes-server/internal/bus"
	"github.com/opennotes-dev/opennotes-server/internal/cache"
	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/storage"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/embeddings"
	"github.com/opennotes-dev/opennotes-server/pkg/llm"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

const excerptRunes = 280

// ConsumerGroup is the durable bus group for batch processing.
const ConsumerGroup = "bulkscan-workers"

// Consumer processes BULK_SCAN_MESSAGE_BATCH events: moderation screen,
// flashpoint detection, and fact-check similarity per message.
type Consumer struct {
	repo       *Repository
	svc        *Service
	cache      *cache.Client
	bus        *bus.Bus
	detector   *Detector
	provider   llm.Provider
	emb        embeddings.Client
	searchRepo *search.Repository
	seen       *similarity.Service
	storage    *storage.Service
	cfg        *config.Config
	log        *slog.Logger
	consumerID string
}

// NewConsumer creates the batch consumer
func NewConsumer(
	repo *Repository,
	svc *Service,
	cacheClient *cache.Client,
	eventBus *bus.Bus,
	detector *Detector,
	provider llm.Provider,
	emb embeddings.Client,
	searchRepo *search.Repository,
	seen *similarity.Service,
	storageSvc *storage.Service,
	cfg *config.Config,
	log *slog.Logger,
) *Consumer {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return &Consumer{
		repo:       repo,
		svc:        svc,
		cache:      cacheClient,
		bus:        eventBus,
		detector:   detector,
		provider:   provider,
		emb:        emb,
		searchRepo: searchRepo,
		seen:       seen,
		storage:    storageSvc,
		cfg:        cfg,
		log:        log.With(logger.Scope("bulkscan.consumer")),
		consumerID: "bulkscan-" + hex.EncodeToString(buf),
	}
}

// Subscribe registers the consumer group on the bus.
func (c *Consumer) Subscribe(ctx context.Context) error {
	return c.bus.Subscribe(ctx, bus.SubscriberConfig{
		Group:         ConsumerGroup,
		Consumer:      c.consumerID,
		Subjects:      []string{bus.EventBulkScanMessageBatch},
		Handler:       c.HandleBatch,
		SchemaVersion: 1,
	})
}

// HandleBatch processes one collected message batch. Returning an error
// leaves the event pending for bus redelivery; once the in-handler failure
// budget is spent the scan fails terminally and the event is acked.
func (c *Consumer) HandleBatch(ctx context.Context, event bus.Event) error {
	var batch BatchEvent
	if err := event.Decode(&batch); err != nil {
		return fmt.Errorf("decode batch event: %w", err)
	}
	if batch.ScanID == "" {
		c.log.Warn("batch event without scan_id, dropping", slog.String("event_id", event.ID))
		return nil
	}

	scan, err := c.repo.Get(ctx, batch.ScanID)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.HTTPStatus == 404 {
			c.log.Warn("batch for unknown scan, dropping", slog.String("scan_id", batch.ScanID))
			return nil
		}
		return err
	}
	if scan.IsTerminal() {
		c.log.Debug("batch for finished scan, dropping",
			slog.String("scan_id", scan.ID), slog.String("status", scan.Status))
		return nil
	}

	flags, scores, err := c.processMessages(ctx, scan, batch.Messages)
	if err != nil {
		return c.handleBatchFailure(ctx, scan, batch, err)
	}

	if err := c.repo.AddFlags(ctx, scan.ID, flags); err != nil {
		return c.handleBatchFailure(ctx, scan, batch, err)
	}
	if len(batch.Messages) > 0 {
		if err := c.repo.AddProcessed(ctx, scan.ID, len(batch.Messages)); err != nil {
			return c.handleBatchFailure(ctx, scan, batch, err)
		}
	}

	batches := c.recordProgress(ctx, scan.ID, len(batch.Messages), len(flags))
	c.publishProgress(ctx, scan, batches, scores)

	messagesScanned.Add(float64(len(batch.Messages)))
	messagesFlagged.Add(float64(len(flags)))

	if batch.Final {
		return c.finalize(ctx, scan)
	}
	return nil
}

// processMessages fans the batch out over a bounded errgroup. The batch slice
// is read-only; each message sees its preceding context window.
func (c *Consumer) processMessages(ctx context.Context, scan *Scan, messages []Message) ([]FlaggedMessage, []MessageScore, error) {
	concurrency := c.cfg.Scan.BatchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	var flags []FlaggedMessage
	scores := make([]MessageScore, len(messages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range messages {
		g.Go(func() error {
			msg := messages[i]
			flag, score, err := c.scanMessage(gctx, scan, messages, i)
			if err != nil {
				return fmt.Errorf("message %s: %w", msg.PlatformMessageID, err)
			}
			mu.Lock()
			scores[i] = score
			if flag != nil {
				flags = append(flags, *flag)
			}
			mu.Unlock()

			c.recordSeen(gctx, scan, msg, flag != nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return flags, scores, nil
}

// scanMessage runs the three detectors for one message. First flagging
// detector wins; the rest are skipped. The LLM detectors are best-effort: a
// transient failure yields a clean verdict and the next detector still runs.
// Only cancellation and deadline expiry fail the batch.
func (c *Consumer) scanMessage(ctx context.Context, scan *Scan, messages []Message, i int) (*FlaggedMessage, MessageScore, error) {
	msg := messages[i]
	score := MessageScore{PlatformMessageID: msg.PlatformMessageID}

	if c.cfg.Scan.ModerationEnabled && c.provider != nil && c.provider.IsConfigured() {
		verdict, err := screenMessage(ctx, c.provider, msg.Content)
		switch {
		case criticalScanErr(err):
			return nil, score, err
		case err != nil:
			detectorErrors.WithLabelValues("moderation").Inc()
			c.log.Warn("moderation screen failed, treating message as clean",
				slog.String("scan_id", scan.ID),
				slog.String("platform_message_id", msg.PlatformMessageID),
				logger.Error(err),
			)
		case verdict.Flagged:
			score.Flagged = true
			score.Reason = ReasonModeration
			score.Score = 1
			return c.flag(scan, msg, ReasonModeration, 1, verdict.Category), score, nil
		}
	}

	if c.provider != nil && c.provider.IsConfigured() {
		window := contextWindow(messages, i, c.cfg.Scan.FlashpointWindowSize)
		result, err := c.detector.Detect(ctx, window)
		switch {
		case criticalScanErr(err):
			return nil, score, err
		case err != nil:
			detectorErrors.WithLabelValues("flashpoint").Inc()
			c.log.Warn("flashpoint detection failed, treating as no flashpoint",
				slog.String("scan_id", scan.ID),
				slog.String("platform_message_id", msg.PlatformMessageID),
				logger.Error(err),
			)
		default:
			score.Score = result.Score
			if result.Flagged {
				score.Flagged = true
				score.Reason = ReasonFlashpoint
				return c.flag(scan, msg, ReasonFlashpoint, result.Score, result.Reason), score, nil
			}
		}
	}

	factScore, err := c.factCheckSimilarity(ctx, msg.Content)
	if err != nil {
		return nil, score, err
	}
	if factScore >= c.cfg.Scan.SimilarityThreshold {
		score.Flagged = true
		score.Reason = ReasonPreviouslySeen
		score.Score = factScore
		return c.flag(scan, msg, ReasonPreviouslySeen, factScore, "matches known fact-check content"), score, nil
	}

	return nil, score, nil
}

// factCheckSimilarity returns the best cosine similarity between the message
// and the server's fact-check chunks, 0 when embeddings are unavailable.
func (c *Consumer) factCheckSimilarity(ctx context.Context, content string) (float64, error) {
	vector, err := c.emb.EmbedQuery(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("embed scan message: %w", err)
	}
	if len(vector) == 0 {
		return 0, nil
	}

	// Fact-check datasets are a shared corpus linked under the global scope.
	results, err := c.searchRepo.VectorSearch(ctx, vector, chunks.ScopeAll, chunks.KindFactChecks, 1)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Score, nil
}

// recordSeen stores the message as previously-seen. Failures are logged, not
// retried: a poison message must not wedge the whole batch.
func (c *Consumer) recordSeen(ctx context.Context, scan *Scan, msg Message, flagged bool) {
	err := c.seen.Record(ctx, &similarity.Message{
		CommunityServerID: scan.CommunityServerID,
		PlatformMessageID: msg.PlatformMessageID,
		Content:           msg.Content,
		AuthorID:          msg.AuthorID,
		Flagged:           flagged,
	})
	if err != nil {
		c.log.Warn("failed to record previously-seen message",
			slog.String("scan_id", scan.ID),
			slog.String("platform_message_id", msg.PlatformMessageID),
			logger.Error(err),
		)
	}
}

func (c *Consumer) flag(scan *Scan, msg Message, reason string, score float64, detail string) *FlaggedMessage {
	return &FlaggedMessage{
		ScanID:            scan.ID,
		PlatformMessageID: msg.PlatformMessageID,
		ChannelID:         msg.ChannelID,
		AuthorID:          msg.AuthorID,
		Reason:            reason,
		Score:             score,
		Detail:            detail,
		Excerpt:           excerpt(msg.Content),
	}
}

// recordProgress updates the live hash and returns the batch count so far.
func (c *Consumer) recordProgress(ctx context.Context, scanID string, processed, flagged int) int64 {
	key := c.svc.progressKey(scanID)
	if processed > 0 {
		if _, err := c.cache.HIncrBy(ctx, key, "processed", int64(processed)); err != nil {
			c.log.Warn("progress update failed", slog.String("scan_id", scanID), logger.Error(err))
		}
	}
	if flagged > 0 {
		if _, err := c.cache.HIncrBy(ctx, key, "flagged", int64(flagged)); err != nil {
			c.log.Warn("progress update failed", slog.String("scan_id", scanID), logger.Error(err))
		}
	}
	batches, err := c.cache.HIncrBy(ctx, key, "batches", 1)
	if err != nil {
		c.log.Warn("progress update failed", slog.String("scan_id", scanID), logger.Error(err))
	}
	if err := c.cache.Expire(ctx, key, progressTTL); err != nil {
		c.log.Warn("progress expire failed", slog.String("scan_id", scanID), logger.Error(err))
	}
	return batches
}

// publishProgress emits BULK_SCAN_PROGRESS. Debug scans publish every batch
// with per-message scores; normal scans publish every N batches.
func (c *Consumer) publishProgress(ctx context.Context, scan *Scan, batches int64, scores []MessageScore) {
	every := int64(c.cfg.Scan.ProgressEveryBatches)
	if every < 1 {
		every = 1
	}
	if !scan.DebugMode && batches%every != 0 {
		return
	}

	_, progress, err := c.svc.Get(ctx, scan.ID)
	if err != nil {
		c.log.Warn("progress read failed", slog.String("scan_id", scan.ID), logger.Error(err))
		return
	}

	payload := map[string]any{
		"scan_id":             scan.ID,
		"community_server_id": scan.CommunityServerID,
		"batches":             progress.Batches,
		"processed_count":     progress.ProcessedCount,
		"flagged_count":       progress.FlaggedCount,
	}
	if scan.DebugMode {
		payload["message_scores"] = scores
	}
	c.svc.publish(ctx, bus.EventBulkScanProgress, payload)
}

// finalize completes the scan: flagged summaries, results + completion
// events, optional S3 archive, lock release.
func (c *Consumer) finalize(ctx context.Context, scan *Scan) error {
	completedAt := time.Now().UTC()
	finished, err := c.repo.Finish(ctx, scan.ID, StatusCompleted, "", completedAt)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.HTTPStatus == 409 {
			// Redelivered final batch; the first delivery already finalized.
			return nil
		}
		return err
	}

	flags, err := c.repo.ListFlags(ctx, scan.ID)
	if err != nil {
		return err
	}

	c.svc.publish(ctx, bus.EventBulkScanResults, map[string]any{
		"scan_id":             finished.ID,
		"community_server_id": finished.CommunityServerID,
		"total_messages":      finished.TotalMessages,
		"flagged_count":       finished.FlaggedCount,
		"flagged":             flags,
	})
	c.svc.publish(ctx, bus.EventBulkScanCompleted, map[string]any{
		"scan_id":             finished.ID,
		"community_server_id": finished.CommunityServerID,
		"total_messages":      finished.TotalMessages,
		"flagged_count":       finished.FlaggedCount,
		"completed_at":        completedAt,
	})

	c.archiveReport(ctx, finished, flags, completedAt)
	c.svc.releaseLock(ctx, finished)

	c.log.Info("bulk scan completed",
		slog.String("scan_id", finished.ID),
		slog.Int("total_messages", finished.TotalMessages),
		slog.Int("flagged_count", finished.FlaggedCount),
	)
	return nil
}

// archiveReport uploads the full report to S3 when a bucket is configured.
// Archive failures never fail the scan.
func (c *Consumer) archiveReport(ctx context.Context, scan *Scan, flags []FlaggedMessage, completedAt time.Time) {
	if c.storage == nil || !c.storage.Enabled() {
		return
	}

	report, err := json.Marshal(map[string]any{
		"scan":    scan,
		"flagged": flags,
	})
	if err != nil {
		c.log.Error("report marshal failed", slog.String("scan_id", scan.ID), logger.Error(err))
		return
	}

	key := storage.ReportKey(scan.CommunityServerID, scan.ID, completedAt)
	if _, err := c.storage.ArchiveReport(ctx, key, report); err != nil {
		c.log.Error("report archive failed", slog.String("scan_id", scan.ID), logger.Error(err))
	}
}

// handleBatchFailure spends one unit of the batch's retry budget. Within
// budget the event stays pending for redelivery; past it the scan fails
// terminally and the event is acked.
func (c *Consumer) handleBatchFailure(ctx context.Context, scan *Scan, batch BatchEvent, cause error) error {
	key := c.svc.progressKey(scan.ID)
	field := "failures:" + strconv.Itoa(batch.BatchIndex)
	attempts, herr := c.cache.HIncrBy(ctx, key, field, 1)
	if herr != nil {
		c.log.Warn("failure counter update failed", slog.String("scan_id", scan.ID), logger.Error(herr))
	}

	budget := int64(c.cfg.EventBus.MaxDeliver)
	if budget < 1 {
		budget = 1
	}
	if attempts < budget {
		c.log.Warn("batch failed, leaving for redelivery",
			slog.String("scan_id", scan.ID),
			slog.Int("batch_index", batch.BatchIndex),
			slog.Int64("attempt", attempts),
			logger.Error(cause),
		)
		return cause
	}

	failed, err := c.repo.Finish(ctx, scan.ID, StatusFailed, cause.Error(), time.Now().UTC())
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.HTTPStatus == 409 {
			return nil
		}
		return err
	}

	c.svc.publish(ctx, bus.EventBulkScanFailed, map[string]any{
		"scan_id":             failed.ID,
		"community_server_id": failed.CommunityServerID,
		"batch_index":         batch.BatchIndex,
		"error":               cause.Error(),
	})
	c.svc.releaseLock(ctx, failed)
	scansFailed.Inc()

	c.log.Error("bulk scan failed",
		slog.String("scan_id", failed.ID),
		slog.Int("batch_index", batch.BatchIndex),
		logger.Error(cause),
	)
	return nil
}

// criticalScanErr reports errors that must fail the batch instead of being
// absorbed as a clean verdict.
func criticalScanErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// contextWindow returns up to size messages ending at index i.
func contextWindow(messages []Message, i, size int) []Message {
	if size < 1 {
		size = 1
	}
	start := i - size + 1
	if start < 0 {
		start = 0
	}
	return messages[start : i+1]
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptRunes {
		return content
	}
	return string(runes[:excerptRunes]) + "…"
}

