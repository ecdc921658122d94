// Package fanout carries channel deliveries and membership changes between
// core instances so an event published on one instance reaches members
// connected to any other.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/eldtechnologies/ridewire/internal/protocol"
)

// Kind distinguishes envelope payloads.
type Kind string

const (
	KindDeliver     Kind = "deliver"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
)

// Envelope is the unit exchanged over a Broker.
type Envelope struct {
	Kind     Kind           `cbor:"1,keyasint"`
	Origin   string         `cbor:"2,keyasint"`
	Channel  string         `cbor:"3,keyasint"`
	Identity string         `cbor:"4,keyasint,omitempty"`
	Frame    protocol.Frame `cbor:"5,keyasint"`
}

// Broker moves envelopes between instances. Every subscriber receives
// every envelope, including those it published itself.
type Broker interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers handler for all future envelopes. Deliveries stop
	// when ctx is cancelled or the broker is closed.
	Subscribe(ctx context.Context, handler func(Envelope)) error
	Close() error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("fanout: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("fanout: cbor decoder: %v", err))
	}
}

// Encode serializes an envelope for a network broker.
func Encode(env Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// MemoryBroker is an in-process Broker. Several hubs sharing one
// MemoryBroker behave like separate instances on a shared bus. Delivery is
// synchronous in publish order.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(Envelope)
	next     int
	closed   bool
}

// NewMemoryBroker creates an empty in-process bus.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[int]func(Envelope))}
}

func (b *MemoryBroker) Name() string { return "memory" }

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func(Envelope), 0, len(b.handlers))
	for i := 0; i < b.next; i++ {
		if h, ok := b.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]func(Envelope))
	return nil
}
