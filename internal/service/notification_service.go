package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldops/moc-api/internal/models"
	appErrors "github.com/fieldops/moc-api/pkg/errors"
	"github.com/fieldops/moc-api/pkg/jobs"
)

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error)
	MarkRead(ctx context.Context, id, recipientID string) (bool, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
}

// NotificationConfig tunes async dispatch and unread-count caching.
type NotificationConfig struct {
	Workers        int
	BufferSize     int
	MaxRetries     int
	RetryDelay     time.Duration
	UnreadCountTTL time.Duration
}

// NotificationService creates notifications asynchronously and serves the
// recipient-facing read API. Dispatch is best-effort: a failed create is
// retried by the queue and eventually dropped, never surfaced to the
// workflow operation that triggered it.
type NotificationService struct {
	repo    notificationStore
	redis   *redis.Client
	metrics *MetricsService
	logger  *zap.Logger
	queue   *jobs.Queue
	ttl     time.Duration
}

// NewNotificationService constructs the service and its dispatch queue.
func NewNotificationService(repo notificationStore, redisClient *redis.Client, metrics *MetricsService, logger *zap.Logger, cfg NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UnreadCountTTL <= 0 {
		cfg.UnreadCountTTL = 5 * time.Minute
	}
	svc := &NotificationService{
		repo:    repo,
		redis:   redisClient,
		metrics: metrics,
		logger:  logger,
		ttl:     cfg.UnreadCountTTL,
	}
	svc.queue = jobs.NewQueue("notifications", svc.handleDispatch, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return svc
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the dispatch workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Dispatch enqueues one notification per recipient in the plan. Errors are
// logged and swallowed; the caller's transition has already committed.
func (s *NotificationService) Dispatch(cr *models.ChangeRequest, plan fanoutPlan, actorID string) {
	if len(plan.Recipients) == 0 {
		return
	}
	actor := actorID
	for _, recipient := range plan.Recipients {
		n := &models.Notification{
			ID:              uuid.NewString(),
			RecipientID:     recipient,
			ChangeRequestID: cr.ID,
			Type:            plan.Type,
			Message:         plan.Message,
		}
		if actor != "" {
			n.ActorID = &actor
		}
		if err := s.queue.Enqueue(jobs.Job{ID: n.ID, Type: string(plan.Type), Payload: n}); err != nil {
			s.logger.Warn("failed to enqueue notification",
				zap.String("recipient_id", recipient),
				zap.String("change_request_id", cr.ID),
				zap.Error(err))
		}
	}
}

func (s *NotificationService) handleDispatch(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(*models.Notification)
	if !ok {
		s.logger.Error("notification job carried unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.metrics.RecordNotification(false)
		return err
	}
	s.metrics.RecordNotification(true)
	s.invalidateUnreadCount(ctx, n.RecipientID)
	return nil
}

// List returns the recipient's notifications.
func (s *NotificationService) List(ctx context.Context, actor *models.JWTClaims, unreadOnly bool, limit, offset int) ([]models.Notification, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	notifications, err := s.repo.List(ctx, models.NotificationFilter{
		RecipientID: actor.UserID,
		UnreadOnly:  unreadOnly,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return notifications, nil
}

// MarkRead marks one of the recipient's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, actor *models.JWTClaims, id string) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	updated, err := s.repo.MarkRead(ctx, id, actor.UserID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	if !updated {
		return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	s.invalidateUnreadCount(ctx, actor.UserID)
	return nil
}

// MarkAllRead marks every unread notification for the recipient.
func (s *NotificationService) MarkAllRead(ctx context.Context, actor *models.JWTClaims) (int64, error) {
	if actor == nil {
		return 0, appErrors.ErrUnauthorized
	}
	updated, err := s.repo.MarkAllRead(ctx, actor.UserID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	s.invalidateUnreadCount(ctx, actor.UserID)
	return updated, nil
}

// UnreadCount returns the recipient's unread total, cached in Redis.
func (s *NotificationService) UnreadCount(ctx context.Context, actor *models.JWTClaims) (int64, error) {
	if actor == nil {
		return 0, appErrors.ErrUnauthorized
	}
	key := unreadCountKey(actor.UserID)
	if s.redis != nil {
		start := time.Now()
		cached, err := s.redis.Get(ctx, key).Result()
		if err == nil {
			s.metrics.RecordCacheOperation(true, time.Since(start))
			if count, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
				return count, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("unread count cache lookup failed", zap.Error(err))
		} else {
			s.metrics.RecordCacheOperation(false, time.Since(start))
		}
	}

	count, err := s.repo.UnreadCount(ctx, actor.UserID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread notifications")
	}

	if s.redis != nil {
		start := time.Now()
		if err := s.redis.Set(ctx, key, strconv.FormatInt(count, 10), s.ttl).Err(); err != nil {
			s.logger.Warn("unread count cache write failed", zap.Error(err))
		}
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	return count, nil
}

func (s *NotificationService) invalidateUnreadCount(ctx context.Context, recipientID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, unreadCountKey(recipientID)).Err(); err != nil {
		s.logger.Warn("unread count cache invalidation failed", zap.Error(err))
	}
}

func unreadCountKey(recipientID string) string {
	return fmt.Sprintf("notif:unread:%s", recipientID)
}
