// Package pubsub implements the execution-job queue on Google Cloud Pub/Sub.
// Pub/Sub supplies at-least-once delivery and redelivery with backoff; the
// worker contract stays idempotent by task id.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// Queue publishes execution jobs to a topic and pulls them from a
// subscription. It implements spider.Queue and spider.JobSource.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	jobs   chan spider.ExecutionJob
	logger *zap.Logger
}

// New creates a Pub/Sub client and verifies topic and subscription exist.
// It authenticates using Google Cloud's Application Default Credentials.
func New(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil || !ok {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		if err != nil {
			return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil || !ok {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after subscription check failure", zap.Error(closeErr))
		}
		if err != nil {
			return nil, fmt.Errorf("check pubsub subscription %q: %w", subscriptionID, err)
		}
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}

	return &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		jobs:   make(chan spider.ExecutionJob),
		logger: logger,
	}, nil
}

// Submit publishes the job and waits for server acknowledgement so callers
// know the job is durably queued.
func (q *Queue) Submit(ctx context.Context, job spider.ExecutionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal execution job: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"task_id": job.TaskID,
			"attempt": strconv.Itoa(job.Attempt),
		},
	}
	result := q.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish execution job: %w", err)
	}
	return nil
}

// Start begins pulling from the subscription, forwarding decoded jobs to
// Next callers. It blocks until the context finishes.
func (q *Queue) Start(ctx context.Context) error {
	err := q.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var job spider.ExecutionJob
		if err := json.Unmarshal(m.Data, &job); err != nil {
			q.logger.Error("drop malformed queue message", zap.Error(err))
			m.Ack()
			return
		}
		select {
		case q.jobs <- job:
			m.Ack()
		case <-ctx.Done():
			m.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Next returns the next delivered job.
func (q *Queue) Next(ctx context.Context) (spider.ExecutionJob, error) {
	select {
	case <-ctx.Done():
		return spider.ExecutionJob{}, fmt.Errorf("next canceled: %w", ctx.Err())
	case job := <-q.jobs:
		return job, nil
	}
}

// Close stops the topic publisher and closes the underlying client.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
