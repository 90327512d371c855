package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/event"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("relay pool is closed")

const subscriptionQueueSize = 256

// Filter selects events on a relay subscription.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Events  []string `json:"#e,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// PublishResult is the per-relay outcome of a publish.
type PublishResult struct {
	Relay    string
	Accepted bool
	Reason   string
}

// Pool owns one set of relay connections, dialed lazily on first use and
// reused for the life of the process. All operations are safe for
// concurrent use.
type Pool struct {
	urls   []string
	logger log.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewPool prepares a pool over the given relay URLs. No connection is made
// until the first operation needs one.
func NewPool(urls []string, logger log.Logger) *Pool {
	return &Pool{
		urls:   urls,
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// conn returns a live connection to url, redialing a dead one.
func (p *Pool) conn(ctx context.Context, url string) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.conns[url]; ok && c.alive() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := dial(ctx, url, p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.close()
		return nil, ErrPoolClosed
	}
	if existing, ok := p.conns[url]; ok && existing.alive() {
		// Lost the dial race; keep the winner.
		c.close()
		return existing, nil
	}
	p.conns[url] = c
	return c, nil
}

// Query asks every relay for events matching filters, waits at most timeout,
// and returns the merged results de-duplicated by id and sorted by
// created_at descending. Relays that do not answer in time contribute
// nothing; that is not an error. A QueryError is returned only when no relay
// could be queried at all.
func (p *Pool) Query(ctx context.Context, filters []Filter, timeout time.Duration) ([]*event.Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		events []*event.Event
		issued int
		wg     sync.WaitGroup
	)

	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()

			c, err := p.conn(ctx, url)
			if err != nil {
				p.logger.Warnf("query: %v", err)
				return
			}

			subID := uuid.NewString()
			s, err := c.openSub(ctx, subID, filters)
			if err != nil {
				p.logger.Warnf("query: %v", err)
				return
			}
			defer c.closeSub(subID)

			mu.Lock()
			issued++
			mu.Unlock()

			for {
				select {
				case ev := <-s.events:
					mu.Lock()
					events = append(events, ev)
					mu.Unlock()
				case <-s.eose:
					// Drain anything already queued before the EOSE arrived.
					for {
						select {
						case ev := <-s.events:
							mu.Lock()
							events = append(events, ev)
							mu.Unlock()
						default:
							return
						}
					}
				case <-s.closed:
					return
				case <-ctx.Done():
					return
				}
			}
		}(url)
	}
	wg.Wait()

	if issued == 0 {
		return nil, &errors.QueryError{Reason: "no relay reachable"}
	}
	return dedupeSort(events), nil
}

func dedupeSort(events []*event.Event) []*event.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0]
	for _, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// Publish sends ev to every relay concurrently and reports the per-relay
// outcomes. It fails with PublishError only when no relay accepts the event.
func (p *Pool) Publish(ctx context.Context, ev *event.Event) ([]PublishResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	results := make([]PublishResult, len(p.urls))
	var wg sync.WaitGroup
	for i, url := range p.urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()

			c, err := p.conn(ctx, url)
			if err != nil {
				results[i] = PublishResult{Relay: url, Accepted: false, Reason: err.Error()}
				return
			}
			res := c.publish(ctx, ev)
			results[i] = PublishResult{Relay: url, Accepted: res.accepted, Reason: res.reason}
		}(i, url)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		} else {
			p.logger.Warnf("publish %s to %s rejected: %s", ev.ID, r.Relay, r.Reason)
		}
	}
	if accepted == 0 {
		return results, &errors.PublishError{Reason: "no relay accepted event " + ev.ID}
	}
	return results, nil
}

// Subscription is one logical subscription spanning every relay in the pool.
type Subscription struct {
	pool  *Pool
	subID string

	quit chan struct{}
	once sync.Once
}

// Unsubscribe stops callback delivery and releases the relay-side
// subscriptions. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.pool.mu.Lock()
		conns := make([]*conn, 0, len(s.pool.conns))
		for _, c := range s.pool.conns {
			conns = append(conns, c)
		}
		s.pool.mu.Unlock()
		for _, c := range conns {
			c.closeSub(s.subID)
		}
	})
}

// Subscribe opens one logical subscription over all relays. onEvent is
// invoked once per distinct event id, in arrival order, from a dedicated
// goroutine; slow callbacks therefore never stall the relay read loops. The
// subscription lives until Unsubscribe is called.
func (p *Pool) Subscribe(ctx context.Context, filters []Filter, onEvent func(*event.Event)) (*Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	sub := &Subscription{
		pool:  p,
		subID: uuid.NewString(),
		quit:  make(chan struct{}),
	}

	merged := make(chan *event.Event, subscriptionQueueSize)
	opened := 0
	for _, url := range p.urls {
		c, err := p.conn(ctx, url)
		if err != nil {
			p.logger.Warnf("subscribe: %v", err)
			continue
		}
		s, err := c.openSub(ctx, sub.subID, filters)
		if err != nil {
			p.logger.Warnf("subscribe: %v", err)
			continue
		}
		opened++

		go func(s *sink) {
			for {
				select {
				case ev := <-s.events:
					select {
					case merged <- ev:
					case <-sub.quit:
						return
					}
				case <-s.closed:
					return
				case <-sub.quit:
					return
				}
			}
		}(s)
	}
	if opened == 0 {
		return nil, &errors.QueryError{Reason: "no relay reachable for subscription"}
	}

	go func() {
		seen := make(map[string]struct{})
		for {
			select {
			case ev := <-merged:
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
				select {
				case <-sub.quit:
					return
				default:
				}
				onEvent(ev)
			case <-sub.quit:
				return
			}
		}
	}()

	return sub, nil
}

// Close tears down every connection. Operations on a closed pool fail fast
// with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}
