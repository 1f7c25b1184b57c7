package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQUICLoopback(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", ListenOptions{MaxConns: 4, MaxConnsPerIP: 4, MaxStreams: 16})
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan *QUICSocket, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	client, err := Dial(ctx, ln.Addr().String(), DialOptions{})
	require.NoError(t, err)
	defer client.Close()

	var server *QUICSocket
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()
	assert.Equal(t, 1, ln.Conns())

	got := make(chan []byte, 2)
	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(serveCtx, func(raw []byte) { got <- append([]byte(nil), raw...) })
	}()

	require.NoError(t, client.Send(ctx, []byte("hello block")))
	select {
	case raw := <-got:
		assert.Equal(t, "hello block", string(raw))
	case <-ctx.Done():
		t.Fatal("block not delivered")
	}
	assert.Equal(t, KindQUIC, client.Kind())
	assert.True(t, client.Direction().CanSend())

	stopServe()
	<-served
}

func TestQUICDialRejectsWrongCA(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", ListenOptions{})
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, ln.Addr().String(), DialOptions{CAPath: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
