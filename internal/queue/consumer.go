package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one job id. A returned error means the job could not
// even be claimed, so the message goes back to the queue.
type Handler interface {
	Run(ctx context.Context, jobID string) error
}

type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int
	// DrainTimeout bounds how long in-flight jobs may keep running after
	// shutdown starts before their context is canceled.
	DrainTimeout time.Duration
}

type Consumer struct {
	cfg          ConsumerConfig
	handler      Handler
	log          *slog.Logger
	requeueDelay time.Duration
	maxBackoff   time.Duration
}

func NewConsumer(cfg ConsumerConfig, handler Handler, log *slog.Logger) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Consumer{
		cfg:          cfg,
		handler:      handler,
		log:          log,
		requeueDelay: 2 * time.Second,
		maxBackoff:   30 * time.Second,
	}
}

// Run consumes until ctx is canceled, reconnecting with backoff whenever the
// broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.log.Warn("rabbitmq dial failed", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, workCtx, cancelWork, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consume loop ended, reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx, workCtx context.Context, cancelWork context.CancelFunc, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := declare(ch, c.cfg.Queue); err != nil {
		return err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	const tag = "storyforge-worker"
	deliveries, err := ch.Consume(c.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.log.Info("consuming jobs", "queue", c.cfg.Queue, "concurrency", c.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.handleDelivery(workCtx, d)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		select {
		case <-done:
		case <-time.After(c.cfg.DrainTimeout):
			c.log.Warn("drain timeout reached, canceling in-flight jobs")
			cancelWork()
			<-done
		}
		return ctx.Err()
	case amqpErr := <-closed:
		<-done
		if amqpErr == nil {
			return errors.New("connection closed")
		}
		return fmt.Errorf("connection closed: %w", amqpErr)
	case <-done:
		return errors.New("deliveries channel closed")
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	jobID, err := decode(d.Body)
	if err != nil {
		c.log.Error("dropping job message", "err", err, "delivery_tag", d.DeliveryTag)
		_ = d.Nack(false, false)
		return
	}
	if err := c.handler.Run(ctx, jobID); err != nil {
		c.log.Error("job dispatch failed, requeueing", "job_id", jobID, "err", err)
		// keep a broken database from turning into a hot redelivery loop
		sleep(ctx, c.requeueDelay)
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("ack job message", "job_id", jobID, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
