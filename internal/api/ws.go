package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roadside/internal/events"
	"roadside/internal/model"
)

// Channel subscriptions over a graphql-transport-ws style protocol:
// connection_init/connection_ack, subscribe/next/complete/error and ping/pong.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsReadWait  = 60 * time.Second
	wsKeepalive = 20 * time.Second
	wsWriteWait = 10 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Channel string `json:"channel"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) fail(id, msg string) {
	payload, _ := json.Marshal([]map[string]string{{"message": msg}})
	_ = c.write(wsMessage{Type: "error", ID: id, Payload: payload})
}

// canSubscribe decides whether actor may listen on channel.
func (s *Server) canSubscribe(ctx context.Context, actor model.Actor, channel string) error {
	kind, id, ok := events.ParseChannel(channel)
	if !ok {
		return model.Validationf("unknown channel %q", channel)
	}
	if actor.IsAdmin() {
		return nil
	}
	switch kind {
	case events.KindUser:
		if actor.Role == model.RoleCustomer && actor.ID == id {
			return nil
		}
	case events.KindMechanic:
		if actor.Role == model.RoleMechanic && actor.ID == id {
			return nil
		}
	case events.KindRequest:
		_, err := s.Coord.GetRequest(ctx, id, actor)
		return err
	case events.KindPool:
		if actor.Role == model.RoleMechanic {
			return nil
		}
	}
	return model.Forbiddenf("channel %s is not visible to %s", channel, actor.ID)
}

// poolSockets counts the open sockets keeping each mechanic in the pool.
type poolSockets struct {
	mu sync.Mutex
	n  map[string]int
}

func (p *poolSockets) join(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == nil {
		p.n = map[string]int{}
	}
	p.n[id]++
}

// drop reports whether id has no pool socket left.
func (p *poolSockets) drop(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n[id]--
	if p.n[id] > 0 {
		return false
	}
	delete(p.n, id)
	return true
}

// WSHandler handles GET /v1/ws. A mechanic subscribed to the pool channel
// counts as online; the pool subscription heartbeats presence on every ping
// and leaves the pool when the mechanic's last pool socket ends.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}
	defer func() { _ = raw.Close() }()

	type sub struct {
		channel string
		ch      chan events.Event
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	defer close(done)

	ctx := r.Context()
	inPool := func() bool {
		for _, s0 := range subs {
			if s0.channel == events.AvailableMechanics {
				return true
			}
		}
		return false
	}
	touch := func() {
		if actor.Role == model.RoleMechanic && inPool() {
			if err := s.Coord.Heartbeat(ctx, actor.ID, nil); err != nil {
				s.Log.Warnf("ws heartbeat for %s: %v", actor.ID, err)
			}
		}
	}
	joined := false
	join := func() {
		if actor.Role == model.RoleMechanic && !joined {
			s.pool.join(actor.ID)
			joined = true
		}
	}
	leave := func() {
		if !joined {
			return
		}
		joined = false
		if !s.pool.drop(actor.ID) {
			// another socket still holds the mechanic in the pool
			return
		}
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.Coord.GoOffline(c, actor.ID); err != nil {
			s.Log.Warnf("ws go offline for %s: %v", actor.ID, err)
		}
	}

	raw.SetReadLimit(1 << 20)
	_ = raw.SetReadDeadline(time.Now().Add(wsReadWait))
	raw.SetPongHandler(func(string) error {
		_ = raw.SetReadDeadline(time.Now().Add(wsReadWait))
		touch()
		return nil
	})

	initialized := false
	for {
		var msg wsMessage
		if err := raw.ReadJSON(&msg); err != nil {
			break
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsReadWait))
		switch msg.Type {
		case "connection_init":
			if initialized {
				continue
			}
			initialized = true
			_ = conn.write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(wsKeepalive)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := conn.write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			touch()
			_ = conn.write(wsMessage{Type: "pong"})
		case "pong":
			touch()
		case "subscribe":
			if !initialized {
				conn.fail(msg.ID, "connection_init required")
				continue
			}
			if _, dup := subs[msg.ID]; dup || msg.ID == "" {
				conn.fail(msg.ID, "subscription id must be unique and non-empty")
				continue
			}
			var pl subscribePayload
			if err := json.Unmarshal(msg.Payload, &pl); err != nil || pl.Channel == "" {
				conn.fail(msg.ID, "payload.channel is required")
				continue
			}
			if err := s.canSubscribe(ctx, actor, pl.Channel); err != nil {
				conn.fail(msg.ID, err.Error())
				continue
			}
			ch := s.Broker.Subscribe(pl.Channel)
			subs[msg.ID] = sub{channel: pl.Channel, ch: ch}
			if pl.Channel == events.AvailableMechanics {
				join()
				touch()
			}
			go func(id string, c chan events.Event) {
				for evt := range c {
					payload, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					if err := conn.write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = conn.write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.channel, s0.ch)
				delete(subs, msg.ID)
				if s0.channel == events.AvailableMechanics && !inPool() {
					leave()
				}
			}
		}
	}

	for id, s0 := range subs {
		s.Broker.Unsubscribe(s0.channel, s0.ch)
		delete(subs, id)
	}
	leave()
}
