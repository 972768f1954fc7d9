package bus

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Transport. Each subscription has its own unbounded
// FIFO queue drained by one goroutine, so Publish never blocks on a slow
// handler and a handler may publish without deadlocking.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memSub]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memSub]struct{})}
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.topics[topic] {
		s.enqueue(append([]byte(nil), data...))
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("bus: nil handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSub{
		bus:   m,
		topic: topic,
		h:     h,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[*memSub]struct{})
		m.topics[topic] = subs
	}
	subs[s] = struct{}{}
	m.mu.Unlock()

	go s.run()
	return s, nil
}

// Subscribers reports how many live subscriptions a topic has.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Close drops every subscription. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memSub
	for _, subs := range m.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	m.topics = make(map[string]map[*memSub]struct{})
	m.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

func (m *Memory) remove(s *memSub) {
	m.mu.Lock()
	if subs, ok := m.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.topics, s.topic)
		}
	}
	m.mu.Unlock()
}

type memSub struct {
	bus   *Memory
	topic string
	h     Handler

	mu    sync.Mutex
	queue [][]byte

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *memSub) enqueue(b []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.h(msg)
		}
	}
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memSub) Ready() <-chan struct{} { return closedCh }

func (s *memSub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}
