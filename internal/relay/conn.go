package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/event"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	sinkQueueSize = 256
)

// okResult is a relay's acknowledgement of a published event.
type okResult struct {
	accepted bool
	reason   string
}

// sink receives the frames of one relay-side subscription.
type sink struct {
	events chan *event.Event
	eose   chan struct{} // closed when the relay signals end of stored events
	closed chan struct{} // closed when the subscription or connection dies

	eoseOnce  sync.Once
	closeOnce sync.Once
}

func newSink() *sink {
	return &sink{
		events: make(chan *event.Event, sinkQueueSize),
		eose:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *sink) markEOSE() { s.eoseOnce.Do(func() { close(s.eose) }) }
func (s *sink) markDead() { s.closeOnce.Do(func() { close(s.closed) }) }

// conn is one websocket connection to a relay. A read loop demuxes inbound
// frames to per-subscription sinks and per-event OK waiters.
type conn struct {
	url    string
	ws     *websocket.Conn
	logger log.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*sink
	oks  map[string]chan okResult
	dead bool

	done chan struct{}
}

func dial(ctx context.Context, url string, logger log.Logger) (*conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial relay %s", url)
	}

	c := &conn{
		url:    url,
		ws:     ws,
		logger: logger,
		subs:   make(map[string]*sink),
		oks:    make(map[string]chan okResult),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *conn) close() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	sinks := c.subs
	c.subs = make(map[string]*sink)
	c.oks = make(map[string]chan okResult)
	c.mu.Unlock()

	for _, s := range sinks {
		s.markDead()
	}
	close(c.done)
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("relay %s: read: %v", c.url, err)
			}
			return
		}
		c.handleFrame(raw)
	}
}

func (c *conn) handleFrame(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		c.logger.Warnf("relay %s: dropping unparseable frame", c.url)
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		c.logger.Warnf("relay %s: dropping frame with non-string label", c.url)
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		ev, err := event.Parse(frame[2])
		if err != nil {
			c.logger.Warnf("relay %s: dropping malformed event: %v", c.url, err)
			return
		}
		// Relays are untrusted; a forged or tampered event never reaches a
		// subscriber.
		if err := event.Verify(ev); err != nil {
			c.logger.Warnf("relay %s: dropping event %s with bad signature: %v", c.url, ev.ID, err)
			return
		}
		c.dispatchEvent(subID, ev)

	case "OK":
		if len(frame) < 3 {
			return
		}
		var (
			id       string
			accepted bool
			reason   string
		)
		if err := json.Unmarshal(frame[1], &id); err != nil {
			return
		}
		if err := json.Unmarshal(frame[2], &accepted); err != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &reason)
		}
		c.dispatchOK(id, okResult{accepted: accepted, reason: reason})

	case "EOSE":
		if len(frame) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		c.mu.Lock()
		s := c.subs[subID]
		c.mu.Unlock()
		if s != nil {
			s.markEOSE()
		}

	case "CLOSED":
		if len(frame) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		c.mu.Lock()
		s := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if s != nil {
			s.markDead()
		}

	case "NOTICE":
		var msg string
		if len(frame) > 1 {
			_ = json.Unmarshal(frame[1], &msg)
		}
		c.logger.Infof("relay %s: notice: %s", c.url, msg)

	default:
		c.logger.Debugf("relay %s: ignoring frame %q", c.url, label)
	}
}

func (c *conn) dispatchEvent(subID string, ev *event.Event) {
	c.mu.Lock()
	s := c.subs[subID]
	c.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		c.logger.Warnf("relay %s: subscription %s queue full, dropping event %s", c.url, subID, ev.ID)
	}
}

func (c *conn) dispatchOK(eventID string, res okResult) {
	c.mu.Lock()
	ch := c.oks[eventID]
	delete(c.oks, eventID)
	c.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

// writeDeadline picks the caller's context deadline when it is sooner
// than the default write timeout.
func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *conn) writeJSON(ctx context.Context, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(writeDeadline(ctx))
	return c.ws.WriteJSON(v)
}

// openSub registers a sink and sends the REQ frame.
func (c *conn) openSub(ctx context.Context, subID string, filters []Filter) (*sink, error) {
	s := newSink()

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, errors.Errorf("relay %s: connection closed", c.url)
	}
	c.subs[subID] = s
	c.mu.Unlock()

	frame := make([]interface{}, 0, len(filters)+2)
	frame = append(frame, "REQ", subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	if err := c.writeJSON(ctx, frame); err != nil {
		c.closeSub(subID)
		return nil, errors.Wrapf(err, "send REQ to %s", c.url)
	}
	return s, nil
}

// closeSub unregisters the sink and tells the relay to drop the
// subscription. Safe to call more than once.
func (c *conn) closeSub(subID string) {
	c.mu.Lock()
	s := c.subs[subID]
	delete(c.subs, subID)
	dead := c.dead
	c.mu.Unlock()

	if s != nil {
		s.markDead()
	}
	if !dead {
		_ = c.writeJSON(context.Background(), []interface{}{"CLOSE", subID})
	}
}

// publish sends the event and waits for the relay's OK acknowledgement.
func (c *conn) publish(ctx context.Context, ev *event.Event) okResult {
	ch := make(chan okResult, 1)

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return okResult{accepted: false, reason: "connection closed"}
	}
	c.oks[ev.ID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}

	if err := c.writeJSON(ctx, []interface{}{"EVENT", ev}); err != nil {
		cleanup()
		return okResult{accepted: false, reason: err.Error()}
	}

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		cleanup()
		return okResult{accepted: false, reason: "timed out waiting for ack"}
	case <-c.done:
		cleanup()
		return okResult{accepted: false, reason: "connection closed"}
	}
}
