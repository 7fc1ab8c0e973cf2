// Package transport moves ordered envelope batches between controller
// and engine. The contract is two calls: send a batch, receive the
// pending batch (empty when nothing is waiting). Backpressure is a
// queue-depth decision made here, not in dispatch.
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/zond/marionette/wire"
)

// Transport is a duplex channel of ordered batches.
type Transport interface {
	SendBatch(ctx context.Context, batch wire.Batch) error
	ReceiveBatch(ctx context.Context) (wire.Batch, error)
}

// ErrClosed is returned when using a transport after Close.
var ErrClosed = errors.New("transport closed")

// Pipe is an in-process transport endpoint, used by tests and
// embedders that run controller and engine in one process.
type Pipe struct {
	mutex  sync.Mutex
	peer   *Pipe
	queue  []wire.Batch
	closed bool
	wake   chan struct{}
}

// NewPipe returns two cross-connected endpoints: a batch sent on one
// is received on the other.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{wake: make(chan struct{}, 1)}
	b := &Pipe{wake: make(chan struct{}, 1)}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Pipe) SendBatch(ctx context.Context, batch wire.Batch) error {
	peer := p.peer
	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	if peer.closed {
		return errors.WithStack(ErrClosed)
	}
	peer.queue = append(peer.queue, batch)
	select {
	case peer.wake <- struct{}{}:
	default:
	}
	return nil
}

// ReceiveBatch returns the oldest pending batch, or an empty batch if
// nothing is pending.
func (p *Pipe) ReceiveBatch(ctx context.Context) (wire.Batch, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	if len(p.queue) == 0 {
		return wire.Batch{}, nil
	}
	batch := p.queue[0]
	p.queue = p.queue[1:]
	return batch, nil
}

// WaitReceive blocks until a batch is pending, the context ends or the
// pipe closes, then behaves like ReceiveBatch.
func (p *Pipe) WaitReceive(ctx context.Context) (wire.Batch, error) {
	for {
		batch, err := p.ReceiveBatch(ctx)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-p.wake:
		}
	}
}

func (p *Pipe) Close() {
	for _, side := range []*Pipe{p, p.peer} {
		side.mutex.Lock()
		side.closed = true
		side.mutex.Unlock()
		select {
		case side.wake <- struct{}{}:
		default:
		}
	}
}
