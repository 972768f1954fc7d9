package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Transport over Redis PUBLISH/SUBSCRIBE. Topics map one-to-one
// onto Redis channels.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis connects and pings the server before returning.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Printf("BUS: connected to redis at %s (db %d)", addr, db)
	return &Redis{client: client}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	return r.client.Publish(ctx, topic, data).Err()
}

// Subscribe blocks until Redis confirms the subscription, so the returned
// Subscription is already ready.
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	s := &redisSub{ps: ps, done: make(chan struct{})}
	go s.run(topic, h)
	return s, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSub) run(topic string, h Handler) {
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if m.Channel != topic {
				continue
			}
			h([]byte(m.Payload))
		}
	}
}

func (s *redisSub) Ready() <-chan struct{} { return closedCh }

func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
