package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis carries the bus over Redis pub/sub.
type Redis struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	client *redis.Client
	subs   map[*redisSubscription]struct{}
}

func NewRedis(cfg Config, log *zap.Logger) *Redis {
	return &Redis{cfg: cfg, log: log, subs: make(map[*redisSubscription]struct{})}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}
	if r.cfg.RedisPassword != "" {
		opts.Password = r.cfg.RedisPassword
	}
	if r.cfg.RedisPoolSize > 0 {
		opts.PoolSize = r.cfg.RedisPoolSize
	}
	if r.cfg.ClientID != "" {
		opts.ClientName = r.cfg.ClientID
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(ctx, r.cfg.ConnectTimeout))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	r.log.Info("Connected to Redis", zap.String("addr", opts.Addr))
	return nil
}

func (r *Redis) conn() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

func (r *Redis) Publish(ctx context.Context, subject string, data []byte) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	return c.Publish(ctx, subject, data).Err()
}

type redisSubscription struct {
	owner *Redis
	ps    *redis.PubSub
	once  sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		err = s.ps.Close()
	})
	return err
}

func (r *Redis) Subscribe(pattern string, h Handler) (Subscription, error) {
	c, err := r.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := c.PSubscribe(ctx, RedisPattern(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}
	sub := &redisSubscription{owner: r, ps: ps}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			if !Matches(pattern, msg.Channel) {
				continue
			}
			h(Message{Subject: msg.Channel, Data: []byte(msg.Payload)})
		}
	}()
	return sub, nil
}

func (r *Redis) Healthy() error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	client := r.client
	r.client = nil
	r.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			r.log.Warn("failed to close Redis subscription", zap.Error(err))
		}
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		r.log.Error("failed to close Redis client", zap.Error(err))
		return err
	}
	return nil
}
