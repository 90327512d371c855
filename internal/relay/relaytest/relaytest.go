// Package relaytest provides an in-process relay implementing enough of the
// pub/sub wire protocol for tests: EVENT storage with OK acks, REQ replay
// with EOSE, live forwarding to open subscriptions and CLOSE handling.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openagentsinc/dvm-engine/internal/event"
	"github.com/openagentsinc/dvm-engine/internal/relay"
)

type subscription struct {
	conn    *client
	id      string
	filters []relay.Filter
}

type client struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Server is one fake relay.
type Server struct {
	srv *httptest.Server

	mu     sync.Mutex
	events []*event.Event
	subs   []*subscription
	reject bool
}

// NewServer starts a fake relay. Callers own Close.
func NewServer() *Server {
	s := &Server{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &client{ws: ws}
		defer s.dropClient(c)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.handle(c, raw)
		}
	}))
	return s
}

// URL is the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close shuts the relay down.
func (s *Server) Close() { s.srv.Close() }

// RejectAll makes the relay refuse every published event.
func (s *Server) RejectAll() {
	s.mu.Lock()
	s.reject = true
	s.mu.Unlock()
}

// Seed stores events without going over the wire.
func (s *Server) Seed(events ...*event.Event) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
}

// EventCount reports how many events the relay has accepted.
func (s *Server) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.conn != c {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	s.mu.Unlock()
	_ = c.ws.Close()
}

func (s *Server) handle(c *client, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 2 {
			return
		}
		ev, err := event.Parse(frame[1])
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.reject {
			s.mu.Unlock()
			_ = c.write([]interface{}{"OK", ev.ID, false, "blocked: rejected by test"})
			return
		}
		s.events = append(s.events, ev)
		subs := append([]*subscription(nil), s.subs...)
		s.mu.Unlock()

		_ = c.write([]interface{}{"OK", ev.ID, true, ""})
		for _, sub := range subs {
			if matchAny(sub.filters, ev) {
				_ = sub.conn.write([]interface{}{"EVENT", sub.id, ev})
			}
		}

	case "REQ":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var filters []relay.Filter
		for _, rawFilter := range frame[2:] {
			var f relay.Filter
			if err := json.Unmarshal(rawFilter, &f); err != nil {
				return
			}
			filters = append(filters, f)
		}

		s.mu.Lock()
		stored := append([]*event.Event(nil), s.events...)
		s.subs = append(s.subs, &subscription{conn: c, id: subID, filters: filters})
		s.mu.Unlock()

		for _, ev := range stored {
			if matchAny(filters, ev) {
				_ = c.write([]interface{}{"EVENT", subID, ev})
			}
		}
		_ = c.write([]interface{}{"EOSE", subID})

	case "CLOSE":
		if len(frame) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		s.mu.Lock()
		kept := s.subs[:0]
		for _, sub := range s.subs {
			if sub.conn != c || sub.id != subID {
				kept = append(kept, sub)
			}
		}
		s.subs = kept
		s.mu.Unlock()
	}
}

func matchAny(filters []relay.Filter, ev *event.Event) bool {
	for _, f := range filters {
		if match(f, ev) {
			return true
		}
	}
	return false
}

func match(f relay.Filter, ev *event.Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Events) > 0 {
		t := ev.Tag(event.TagEvent)
		if len(t) < 2 || !contains(f.Events, t[1]) {
			return false
		}
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
