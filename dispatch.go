package tractor

import (
	"context"
	"fmt"
	"sync"
)

// Executor carries out the behaviour behind one payload type.
type Executor interface {
	Execute(ctx context.Context, data, callData []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, data, callData []byte) ([]byte, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, data, callData []byte) ([]byte, error) {
	return f(ctx, data, callData)
}

// PackPayload frames data behind a type tag.
func PackPayload(tag byte, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = tag
	copy(out[1:], data)
	return out
}

// UnpackPayload splits a payload into its type tag and the remaining bytes.
// The remainder aliases payload.
func UnpackPayload(payload []byte) (byte, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	return payload[0], payload[1:], nil
}

// Dispatcher routes payloads to executors registered by type tag.
type Dispatcher struct {
	mu        sync.RWMutex
	executors map[byte]Executor
}

// NewDispatcher returns a dispatcher with no executors.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{executors: make(map[byte]Executor)}
}

// Register binds tag to e. Each tag may be registered once.
func (d *Dispatcher) Register(tag byte, e Executor) error {
	if e == nil {
		return fmt.Errorf("nil executor for payload type 0x%02x", tag)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.executors[tag]; exists {
		return fmt.Errorf("payload type 0x%02x already registered", tag)
	}
	d.executors[tag] = e
	return nil
}

// Dispatch unpacks payload and hands the remainder and callData to the
// executor for its tag.
func (d *Dispatcher) Dispatch(ctx context.Context, payload, callData []byte) ([]byte, error) {
	tag, data, err := UnpackPayload(payload)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	e, ok := d.executors[tag]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, tag)
	}
	out, err := e.Execute(ctx, data, callData)
	if err != nil {
		return nil, &DispatchError{Tag: tag, Err: err}
	}
	return out, nil
}
