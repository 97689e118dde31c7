package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/mantle/pkg/observability"
)

// DefaultIdleTimeout closes a subscription that receives no frames.
const DefaultIdleTimeout = 5 * time.Minute

// Relay bridges async chat jobs to waiting clients over Redis pub/sub.
// Workers publish frames; the subscribe endpoint relays them as SSE.
type Relay struct {
	rdb         *redis.Client
	metrics     *observability.Metrics
	idleTimeout time.Duration
}

type RelayOption func(*Relay)

func WithIdleTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.idleTimeout = d }
}

func WithRelayMetrics(m *observability.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(rdb *redis.Client, opts ...RelayOption) *Relay {
	r := &Relay{rdb: rdb, idleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish sends one frame to the channel. Subscribers that are not yet
// attached miss it; the async contract is fire-and-forget per frame.
func (r *Relay) Publish(ctx context.Context, channel string, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches to the channel and decodes frames until the context
// ends. The returned channel closes when the subscription does.
func (r *Relay) Subscribe(ctx context.Context, channel string) (<-chan Frame, func()) {
	pubsub := r.rdb.Subscribe(ctx, channel)
	frames := make(chan Frame)

	go func() {
		defer close(frames)
		for msg := range pubsub.Channel() {
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				slog.Warn("dropping malformed stream frame", "channel", channel, "error", err)
				continue
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return frames, cancel
}

// ServeSSE relays channel frames to the SSE writer until a terminal frame,
// the idle timeout, or the client disconnecting.
func (r *Relay) ServeSSE(ctx context.Context, sse *SSEWriter, channel string) error {
	frames, cancel := r.Subscribe(ctx, channel)
	defer cancel()

	if r.metrics != nil {
		r.metrics.ActiveStreams.Inc()
		defer r.metrics.ActiveStreams.Dec()
	}

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := sse.Send(frame); err != nil {
				return err
			}
			if frame.Terminal() {
				return nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.idleTimeout)
		case <-idle.C:
			return sse.Send(ErrorFrame(fmt.Errorf("stream idle timeout")))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
