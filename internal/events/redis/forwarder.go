// Package redis republishes bus events on a Redis Pub/Sub channel so that
// observers outside the process can follow pipeline progress.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/narvanalabs/autoci/internal/models"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "autoci:events"

const forwardBuffer = 1024

// ErrClosed is returned by Run after Shutdown.
var ErrClosed = errors.New("forwarder closed")

// Publisher is the subset of the Redis client the forwarder needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// Forwarder is an events.Sink that hands events to a background publisher.
type Forwarder struct {
	client  Publisher
	channel string
	queue   chan models.Event
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewClient connects to the Redis server at url (redis://...).
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// NewForwarder creates a forwarder publishing on channel.
func NewForwarder(client Publisher, channel string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Forwarder{
		client:  client,
		channel: channel,
		queue:   make(chan models.Event, forwardBuffer),
		logger:  logger,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Handle implements events.Sink. It never blocks; events that do not fit
// in the buffer are dropped.
func (f *Forwarder) Handle(event models.Event) {
	select {
	case <-f.closed:
		return
	default:
	}
	select {
	case f.queue <- event:
	default:
		f.logger.Warn("redis forward buffer full, dropping event",
			"job_id", event.JobID,
			"event_type", event.Type,
		)
	}
}

// Run publishes queued events until ctx is done or Shutdown is called.
func (f *Forwarder) Run(ctx context.Context) error {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			f.drain(ctx)
			return ErrClosed
		case event := <-f.queue:
			f.publish(ctx, event)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	for {
		select {
		case event := <-f.queue:
			f.publish(ctx, event)
		default:
			return
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("encoding event", "error", err, "job_id", event.JobID)
		return
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.logger.Warn("publishing event to redis",
			"error", err,
			"channel", f.channel,
			"job_id", event.JobID,
		)
	}
}

// Shutdown stops accepting events and waits for Run to flush what is
// queued. It implements shutdown.Component.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.closeOnce.Do(func() { close(f.closed) })
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements shutdown.Component.
func (f *Forwarder) Name() string {
	return "redis-forwarder"
}
