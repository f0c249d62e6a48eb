// Package events fans job progress out over Redis pub/sub. A nil *Bus is
// valid: publishing does nothing and subscribing reports ErrDisabled.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/digkill/StoryForge/internal/models"
)

var ErrDisabled = errors.New("progress events are disabled")

// JobEvent is a snapshot of a job's status after a progress or terminal write.
type JobEvent struct {
	JobID    string           `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Error    string           `json:"error,omitempty"`
}

func FromJob(job *models.Job) JobEvent {
	return JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Error: job.Error}
}

// Channel is the pub/sub channel of one job.
func Channel(jobID string) string {
	return "jobs:" + jobID
}

type Bus struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisClient connects to addr and pings it. An empty addr disables events.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewBus returns nil when client is nil.
func NewBus(client *redis.Client, log *slog.Logger) *Bus {
	if client == nil {
		return nil
	}
	return &Bus{client: client, log: log}
}

// Publish is best effort: failures are logged and never reach the caller.
func (b *Bus) Publish(ctx context.Context, ev JobEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("marshal job event", "job_id", ev.JobID, "err", err)
		return
	}
	if err := b.client.Publish(ctx, Channel(ev.JobID), payload).Err(); err != nil {
		b.log.Warn("publish job event", "job_id", ev.JobID, "err", err)
	}
}

// Subscribe calls handler for every event of jobID until ctx is done, the
// handler returns false, or the subscription closes.
func (b *Bus) Subscribe(ctx context.Context, jobID string, handler func(JobEvent) bool) error {
	if b == nil {
		return ErrDisabled
	}
	sub := b.client.Subscribe(ctx, Channel(jobID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to job events: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("decode job event", "channel", msg.Channel, "err", err)
				continue
			}
			if !handler(ev) {
				return nil
			}
		}
	}
}
