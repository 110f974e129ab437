// Package relay is a client for Nostr relays carrying Marmot events.  It
// speaks the NIP-01 EVENT, REQ and CLOSE messages over a websocket and
// understands the relay's OK, EOSE, CLOSED and NOTICE replies.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marmot-protocol/go-marmot/marmot"
)

var (
	ErrClosed   = errors.New("relay connection closed")
	ErrRejected = errors.New("event rejected by relay")
	ErrProtocol = errors.New("relay protocol error")
)

const eventBuffer = 64

type Option func(*Relay)

func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(r *Relay) {
		if dialer != nil {
			r.dialer = dialer
		}
	}
}

type okResult struct {
	accepted bool
	message  string
}

// Relay is a single relay connection.  It is safe for concurrent use.
type Relay struct {
	URL string

	log    *zap.Logger
	dialer *websocket.Dialer
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[string]chan okResult
	nextSub uint64

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Connect dials a relay and starts reading from it
func Connect(ctx context.Context, url string, opts ...Option) (*Relay, error) {
	r := &Relay{
		URL:     url,
		log:     zap.NewNop(),
		dialer:  websocket.DefaultDialer,
		subs:    map[string]*Subscription{},
		pending: map[string]chan okResult{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	conn, _, err := r.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	r.conn = conn
	r.log = r.log.With(zap.String("relay", url))

	go r.readLoop()
	return r, nil
}

func (r *Relay) send(msg ...interface{}) error {
	select {
	case <-r.done:
		return r.closedError()
	default:
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

func (r *Relay) closedError() error {
	r.mu.Lock()
	err := r.readErr
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("relay: %w: %v", ErrClosed, err)
	}
	return fmt.Errorf("relay: %w", ErrClosed)
}

// Publish sends an event and waits for the relay's OK
func (r *Relay) Publish(ctx context.Context, evt marmot.Event) error {
	ch := make(chan okResult, 1)

	r.mu.Lock()
	r.pending[evt.ID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, evt.ID)
		r.mu.Unlock()
	}()

	if err := r.send("EVENT", evt); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.accepted {
			return fmt.Errorf("relay: %w: %s", ErrRejected, res.message)
		}
		r.log.Debug("published", zap.String("event", evt.ID), zap.Int("kind", evt.Kind))
		return nil

	case <-r.done:
		return r.closedError()

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscription delivers the events matching a REQ.  Events is never closed;
// Done is closed once the subscription ends.
type Subscription struct {
	ID string

	relay     *Relay
	events    chan marmot.Event
	eose      chan struct{}
	eoseOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func (s *Subscription) Events() <-chan marmot.Event {
	return s.events
}

// EOSE is closed when the relay has sent every stored event
func (s *Subscription) EOSE() <-chan struct{} {
	return s.eose
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason is the relay's message when it ended the subscription
func (s *Subscription) Reason() string {
	<-s.done
	return s.reason
}

func (s *Subscription) end(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

func (s *Subscription) deliver(evt marmot.Event, relayDone <-chan struct{}) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- evt:
	case <-s.done:
	case <-relayDone:
	}
}

// Close ends the subscription and tells the relay
func (s *Subscription) Close() error {
	r := s.relay
	r.mu.Lock()
	_, live := r.subs[s.ID]
	delete(r.subs, s.ID)
	r.mu.Unlock()

	s.end("")
	if !live {
		return nil
	}
	return r.send("CLOSE", s.ID)
}

func (r *Relay) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("relay: %w: no filters", ErrProtocol)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nextSub++
	sub := &Subscription{
		ID:     fmt.Sprintf("marmot-%d", r.nextSub),
		relay:  r,
		events: make(chan marmot.Event, eventBuffer),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	msg := []interface{}{"REQ", sub.ID}
	for _, f := range filters {
		msg = append(msg, f)
	}

	if err := r.send(msg...); err != nil {
		r.mu.Lock()
		delete(r.subs, sub.ID)
		r.mu.Unlock()
		sub.end(err.Error())
		return nil, err
	}
	return sub, nil
}

func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	<-r.done
	return err
}

func (r *Relay) Done() <-chan struct{} {
	return r.done
}

///
/// Reading
///

func (r *Relay) readLoop() {
	defer func() {
		r.mu.Lock()
		subs := r.subs
		r.subs = map[string]*Subscription{}
		r.mu.Unlock()

		for _, sub := range subs {
			sub.end("connection closed")
		}
	}()
	defer close(r.done)

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			r.readErr = err
			r.mu.Unlock()
			r.log.Debug("connection closed", zap.Error(err))
			r.closeOnce.Do(func() { r.conn.Close() })
			return
		}

		if err := r.handle(data); err != nil {
			r.log.Warn("dropped relay message", zap.Error(err))
		}
	}
}

func (r *Relay) subscription(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *Relay) handle(data []byte) error {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) == 0 {
		return fmt.Errorf("relay: %w: malformed message", ErrProtocol)
	}

	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return fmt.Errorf("relay: %w: malformed label", ErrProtocol)
	}

	switch label {
	case "EVENT":
		var subID string
		if len(msg) != 3 || json.Unmarshal(msg[1], &subID) != nil {
			return fmt.Errorf("relay: %w: malformed EVENT", ErrProtocol)
		}

		evt, err := marmot.ParseEvent(msg[2])
		if err != nil {
			return err
		}

		if err := evt.Verify(); err != nil {
			return err
		}

		if sub, ok := r.subscription(subID); ok {
			sub.deliver(*evt, r.done)
		}

	case "OK":
		var id, message string
		var accepted bool
		if len(msg) < 3 || json.Unmarshal(msg[1], &id) != nil || json.Unmarshal(msg[2], &accepted) != nil {
			return fmt.Errorf("relay: %w: malformed OK", ErrProtocol)
		}
		if len(msg) > 3 {
			json.Unmarshal(msg[3], &message)
		}

		r.mu.Lock()
		ch, ok := r.pending[id]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- okResult{accepted: accepted, message: message}:
			default:
			}
		}

	case "EOSE":
		var subID string
		if len(msg) < 2 || json.Unmarshal(msg[1], &subID) != nil {
			return fmt.Errorf("relay: %w: malformed EOSE", ErrProtocol)
		}

		if sub, ok := r.subscription(subID); ok {
			sub.eoseOnce.Do(func() { close(sub.eose) })
		}

	case "CLOSED":
		var subID, message string
		if len(msg) < 2 || json.Unmarshal(msg[1], &subID) != nil {
			return fmt.Errorf("relay: %w: malformed CLOSED", ErrProtocol)
		}
		if len(msg) > 2 {
			json.Unmarshal(msg[2], &message)
		}

		r.mu.Lock()
		sub, ok := r.subs[subID]
		delete(r.subs, subID)
		r.mu.Unlock()
		if ok {
			sub.end(message)
		}

	case "NOTICE":
		var message string
		if len(msg) > 1 {
			json.Unmarshal(msg[1], &message)
		}
		r.log.Info("notice", zap.String("message", message))

	default:
		return fmt.Errorf("relay: %w: unknown label %q", ErrProtocol, label)
	}
	return nil
}
