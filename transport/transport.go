// Package transport moves opaque payloads between cluster members.
//
// A Messenger is addressed by network endpoint ("host:port"), dispatches
// incoming messages to handlers registered per verb, and answers every Send
// with the handler's reply payload. Two implementations exist: GRPC for real
// deployments and Local, an in-process network used by tests and the
// interactive demo.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Verb names a message type, e.g. GOSSIP_DIGEST_SYN.
type Verb string

// Message is what a handler receives.
type Message struct {
	Verb    Verb
	From    string
	Payload []byte
}

// Handler processes one message and returns the reply payload (may be nil).
type Handler func(ctx context.Context, msg Message) ([]byte, error)

// Messenger is the contract the gossiper depends on.
type Messenger interface {
	// Start binds the listen address. Failing to bind is fatal to startup and
	// returns an error wrapping ErrBind.
	Start() error
	// Addr is the endpoint other members use to reach this one.
	Addr() string
	RegisterHandler(verb Verb, h Handler)
	// Send delivers payload to the peer and waits for its reply.
	Send(ctx context.Context, to string, verb Verb, payload []byte) ([]byte, error)
	// Shutdown rejects new sends, waits for in-flight ones, and releases
	// connections and the listener.
	Shutdown(ctx context.Context) error
}

// router maps verbs to handlers; shared by every Messenger implementation.
type router struct {
	mu       sync.RWMutex
	handlers map[Verb]Handler
}

func (r *router) RegisterHandler(verb Verb, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[Verb]Handler)
	}
	r.handlers[verb] = h
}

func (r *router) dispatch(ctx context.Context, msg Message) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Verb]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerb, msg.Verb)
	}
	return h(ctx, msg)
}
