package service

import (
	"context"

	"go.uber.org/zap"

	"auth-engine/internal/util"
)

// LoggingNotifier is the development NotificationSender: it logs instead
// of delivering. Real deployments plug a gateway-backed implementation
// into the same interface.
type LoggingNotifier struct{}

func NewLoggingNotifier() *LoggingNotifier {
	return &LoggingNotifier{}
}

func (n *LoggingNotifier) SendCode(ctx context.Context, channel, destination, code string) error {
	masked := util.MaskPhone(destination)
	if channel == "email" {
		masked = util.MaskEmail(destination)
	}
	util.Info("One-time code dispatched",
		zap.String("channel", channel),
		zap.String("destination", masked),
		zap.Int("code_length", len(code)))
	return nil
}
