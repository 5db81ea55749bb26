package notify

import (
	"context"

	"go.uber.org/zap"

	"familynet/backend/pkg/logger"
)

// LogNotifier writes notifications to the application log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	_, body := Render(n)
	l.logger.Info("Notification",
		zap.String("kind", string(n.Kind)),
		zap.String("recipient_id", n.RecipientAccountID),
		zap.String("recipient_email", n.RecipientEmail),
		zap.String("request_id", n.RequestID),
		zap.String("message", body),
	)
	return nil
}
