package network

import (
	"context"
	"sync"
	"time"

	"dxbnet/internal/router"
)

const KindPipe = "pipe"

type pipeLink struct {
	once sync.Once
	done chan struct{}
}

func (l *pipeLink) close() { l.once.Do(func() { close(l.done) }) }

// PipeSocket is one end of an in-memory connection. Blocks sent on one end
// are served on the other, in order.
type PipeSocket struct {
	name        string
	link        *pipeLink
	inbox       chan []byte
	peer        *PipeSocket
	connectedAt time.Time
	factor      int
}

var _ Conn = (*PipeSocket)(nil)

// NewPipe returns the two connected ends of an in-memory link. Each end
// buffers up to 64 unserved blocks; Send blocks beyond that.
func NewPipe() (*PipeSocket, *PipeSocket) {
	link := &pipeLink{done: make(chan struct{})}
	now := time.Now()
	a := &PipeSocket{name: "pipe-a", link: link, inbox: make(chan []byte, 64), connectedAt: now, factor: 1}
	b := &PipeSocket{name: "pipe-b", link: link, inbox: make(chan []byte, 64), connectedAt: now, factor: 1}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeSocket) Kind() string                { return KindPipe }
func (p *PipeSocket) Direction() router.Direction { return router.InOut }
func (p *PipeSocket) ChannelFactor() int          { return p.factor }
func (p *PipeSocket) ConnectedAt() time.Time      { return p.connectedAt }
func (p *PipeSocket) RemoteAddr() string          { return p.peer.name }
func (p *PipeSocket) Done() <-chan struct{}       { return p.link.done }

// SetChannelFactor overrides the rank of this end.
func (p *PipeSocket) SetChannelFactor(f int) { p.factor = f }

func (p *PipeSocket) Send(ctx context.Context, raw []byte) error {
	if len(raw) == 0 || len(raw) > MaxFrameSize {
		_, err := EncodeFrame(raw)
		return err
	}
	buf := append([]byte(nil), raw...)
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.inbox <- buf:
		return nil
	case <-p.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeSocket) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case raw := <-p.inbox:
			h(raw)
		case <-p.link.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes both ends.
func (p *PipeSocket) Close() error {
	p.link.close()
	return nil
}
