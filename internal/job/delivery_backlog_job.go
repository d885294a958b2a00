package job

import (
	"Amity/internal/pkg/logger"
	"Amity/internal/pkg/mongo"
	"context"
	log "log/slog"
	"time"

	"github.com/google/uuid"
)

// DeliveryBacklogJob 每日巡检长期未送达的消息投递记录
type DeliveryBacklogJob struct {
	messageRepo mongo.MessageRepo
}

func NewDeliveryBacklogJob(messageRepo mongo.MessageRepo) *DeliveryBacklogJob {
	return &DeliveryBacklogJob{messageRepo: messageRepo}
}

func (s *DeliveryBacklogJob) Run() {
	traceID := "job-im-" + uuid.NewString()
	ctx := context.WithValue(context.Background(), logger.TraceIDKey, traceID)

	count, err := s.messageRepo.CountPendingOlderThan(ctx, 24*time.Hour)
	if err != nil {
		log.ErrorContext(ctx, "count delivery backlog error", "err", err)
		return
	}

	if count > 0 {
		log.WarnContext(ctx, "delivery backlog detected", "pending_count", count)
		return
	}
	log.InfoContext(ctx, "delivery backlog check passed", "pending_count", count)
}
