package notifications

import (
	"context"

	"go.uber.org/zap"

	"github.com/nova-social/backend/pkg/logger"
)

// LoggingSender is a placeholder Sender for channels without a wired
// third-party provider (APNs/FCM, SES/SendGrid) yet; it logs the
// attempt so the dispatch/backoff/abandon machinery is exercisable
// end-to-end before a real provider is plugged in.
type LoggingSender struct {
	channel Channel
	log     *logger.Logger
}

func NewLoggingSender(channel Channel, log *logger.Logger) *LoggingSender {
	return &LoggingSender{channel: channel, log: log}
}

func (s *LoggingSender) Send(ctx context.Context, job *Job) error {
	s.log.Info("dispatching notification",
		zap.String("channel", string(s.channel)),
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
	)
	return nil
}
