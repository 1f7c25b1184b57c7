// Package network carries framed DXB blocks over QUIC streams and in-memory
// pipes.
package network

import (
	"context"
	"errors"

	"dxbnet/internal/router"
)

// Handler receives one raw block. It runs on the reading goroutine and
// must not retain raw after returning unless it copies it.
type Handler func(raw []byte)

// Conn is a router socket that can also be read from.
type Conn interface {
	router.Socket
	// Serve delivers received blocks to h until the connection closes or ctx
	// ends.
	Serve(ctx context.Context, h Handler) error
	RemoteAddr() string
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	Close() error
}

var ErrClosed = errors.New("connection closed")
