package router

import (
	"context"
	"fmt"
	"time"

	"dxbnet/internal/target"
)

// Direction is the data flow a socket supports.
type Direction uint8

const (
	In Direction = 1 << iota
	Out
	InOut = In | Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "in-out"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// CanSend reports whether outgoing blocks can use the socket.
func (d Direction) CanSend() bool { return d&Out != 0 }

// Socket is one connected transport channel. Implementations must be
// comparable (pointer receivers), the router uses them as map keys.
type Socket interface {
	// Kind names the interface, e.g. "quic" or "pipe". It is matched against
	// the configured default interface.
	Kind() string
	Direction() Direction
	// ChannelFactor ranks sockets of equal directness; higher is better.
	ChannelFactor() int
	ConnectedAt() time.Time
	Send(ctx context.Context, raw []byte) error
}

// SocketID is the router's handle for a registered socket. Zero is never
// assigned.
type SocketID uint64

func (id SocketID) String() string { return fmt.Sprintf("socket#%d", uint64(id)) }

// LivenessChecker reports whether an endpoint is still reachable.
type LivenessChecker interface {
	Online(ctx context.Context, ep target.Endpoint) bool
}

// LivenessFunc adapts a function to LivenessChecker.
type LivenessFunc func(ctx context.Context, ep target.Endpoint) bool

func (f LivenessFunc) Online(ctx context.Context, ep target.Endpoint) bool { return f(ctx, ep) }
