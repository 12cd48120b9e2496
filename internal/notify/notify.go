// Package notify delivers task-failure signals to the external alerting
// collaborator. The core only ever signals; alert-rule evaluation lives
// elsewhere.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// LogNotifier writes failure signals to the log. It is the default sink when
// no alerting transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Signal logs the failure signal.
func (n *LogNotifier) Signal(_ context.Context, sig spider.FailureSignal) error {
	n.logger.Warn("task failure signal",
		zap.String("task_id", sig.TaskID),
		zap.String("spider_id", sig.SpiderID),
		zap.String("message", sig.Message),
	)
	return nil
}

// NoOpNotifier discards signals. Useful in tests.
type NoOpNotifier struct{}

// Signal for NoOpNotifier does nothing and returns nil.
func (NoOpNotifier) Signal(_ context.Context, _ spider.FailureSignal) error { return nil }
