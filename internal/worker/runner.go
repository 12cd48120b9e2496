package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// ProcessRunner executes crawls as child processes. The process learns its
// assignment from the environment and reports items, progress, heartbeats and
// checkpoints back through the internal HTTP API.
type ProcessRunner struct {
	command    string
	apiBaseURL string
	logger     *zap.Logger
}

// NewProcessRunner constructs a ProcessRunner.
func NewProcessRunner(command, apiBaseURL string, logger *zap.Logger) *ProcessRunner {
	return &ProcessRunner{command: command, apiBaseURL: apiBaseURL, logger: logger}
}

// Run launches the crawl process and waits for it to exit. A non-zero exit
// counts as a failed attempt.
func (r *ProcessRunner) Run(ctx context.Context, sp spider.Spider, task spider.Task) error {
	if r.command == "" {
		return fmt.Errorf("no worker command configured")
	}

	cmd := exec.CommandContext(ctx, r.command)
	cmd.Env = append(os.Environ(),
		"CRAWLHUB_TASK_ID="+task.ID,
		"CRAWLHUB_SPIDER_ID="+sp.ID,
		"CRAWLHUB_SPIDER_NAME="+sp.Name,
		"CRAWLHUB_ATTEMPT="+strconv.Itoa(task.RetryCount),
		"CRAWLHUB_API_URL="+r.apiBaseURL,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Warn("crawl process failed",
			zap.String("task_id", task.ID),
			zap.String("spider_id", sp.ID),
			zap.ByteString("output", tail(out, 2048)),
			zap.Error(err))
		return fmt.Errorf("crawl process: %w", err)
	}
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
