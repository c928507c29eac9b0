package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// Wire event types pushed by the core.
const (
	AckEvent           = "ack"
	MessageEvent       = "message"
	UpdateMessageEvent = "update-message"
	GroupCreatedEvent  = "group-created"
	GroupUpdateEvent   = "group-update"
	EditGroupEvent     = "edit-group"
	DeleteChatEvent    = "delete-chat"
	UserOnlineEvent    = "user-online"
	UserOfflineEvent   = "user-offline"
	UserTypingEvent    = "user-typing"
)

// Event is the unit exchanged over the websocket transport. Requests that
// expect a reply carry an AckID; the reply is an "ack" event echoing the
// same AckID so concurrent in-flight requests cannot be confused.
type Event struct {
	// ConnID is the connection the event arrived on. Never serialized.
	ConnID  ConnID          `json:"-"`
	Type    string          `json:"type"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, AckID: %s, Payload.Size: %d}", e.Type, e.AckID, len(e.Payload))
}

// NewEvent marshals payload into an event of the given type.
func NewEvent(t string, payload interface{}) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// Sender delivers an event to a single live connection. Delivery to an
// unknown connection is a no-op.
type Sender interface {
	SendToConn(connID ConnID, e *Event)
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to registered handlers. Events are
// processed one at a time in arrival order on the router goroutine, so a
// handler observes registry and room state consistent with every previously
// completed event; storage calls inside a handler are the only points where
// work for other connections may be interleaved.
type EventRouter struct {
	listeners map[string]EventHandler
	ctx       context.Context
	receive   <-chan *Event
	sender    Sender
	logger    *slog.Logger
	done      chan struct{}
}

func NewEventRouter(ctx context.Context, logger *slog.Logger, receive <-chan *Event, sender Sender) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		ctx:       ctx,
		receive:   receive,
		sender:    sender,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// On registers the handler for an event type. Must be called before Listen.
func (er *EventRouter) On(eventType string, handler EventHandler) {
	er.listeners[eventType] = handler
}

// Listen consumes inbound events until the context is cancelled. Handler
// failures are logged and isolated per event; no failure stops the loop.
func (er *EventRouter) Listen() {
	go func() {
		defer close(er.done)
		for {
			select {
			case e, ok := <-er.receive:
				if !ok {
					return
				}
				er.dispatch(e)
			case <-er.ctx.Done():
				return
			}
		}
	}()
}

func (er *EventRouter) dispatch(e *Event) {
	handler, ok := er.listeners[e.Type]
	if !ok {
		er.logger.Debug(fmt.Sprintf("no handler for event: %s", e.Type))
		return
	}
	if err := handler(er.ctx, e); err != nil {
		er.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
	}
}

// Close waits for the router loop to drain or the context to expire.
func (er *EventRouter) Close(ctx context.Context) {
	select {
	case <-er.done:
	case <-ctx.Done():
	}
}

// Ack replies to a request event with the given payload. Events without an
// AckID are fire-and-forget; acking them is a no-op.
func (er *EventRouter) Ack(req *Event, payload interface{}) error {
	if req.AckID == "" {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ack payload: %w", err)
	}
	er.sender.SendToConn(req.ConnID, &Event{Type: AckEvent, AckID: req.AckID, Payload: b})
	return nil
}
