package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures the Redis Stream sink.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`   // stream key, default trading:events
	MaxLen   int64  `json:"max_len"`  // approximate stream cap, default 100000
}

// RedisSink appends events to a Redis Stream (XADD) so the control plane
// can tail them. Writes happen on a worker goroutine; a full queue drops
// the event rather than stalling the bus.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64

	queue  chan Event
	done   chan struct{}
	logger zerolog.Logger
}

// NewRedisSink connects and starts the writer. Connection failure is an
// error: an explicitly configured sink that cannot write is a fatal
// misconfiguration, not a degraded mode.
func NewRedisSink(cfg RedisConfig, logger zerolog.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "trading:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100_000
	}

	s := &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		queue:  make(chan Event, 512),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "RedisSink").Logger(),
	}
	go s.writeLoop()
	return s, nil
}

// Handle queues the event for the writer.
func (s *RedisSink) Handle(e Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn().Str("event", e.Name).Msg("redis sink queue full, event dropped")
	}
}

// Close stops the writer after draining the queue and closes the client.
func (s *RedisSink) Close() error {
	close(s.done)
	return s.client.Close()
}

func (s *RedisSink) writeLoop() {
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisSink) write(e Event) {
	payload := ""
	if len(e.Payload) > 0 {
		if raw, err := json.Marshal(e.Payload); err == nil {
			payload = string(raw)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"job_id":  e.JobID,
			"ts":      e.TS.UnixMilli(),
			"kind":    string(e.Kind),
			"name":    e.Name,
			"level":   string(e.Level),
			"message": e.Message,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		s.logger.Warn().Err(err).Str("event", e.Name).Msg("failed to append event to redis stream")
	}
}

var _ Sink = (*RedisSink)(nil)
