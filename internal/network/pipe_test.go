package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- b.Serve(ctx, func(raw []byte) {
			mu.Lock()
			got = append(got, string(raw))
			mu.Unlock()
		})
	}()

	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, []byte(s)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, got)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, []byte("late")), ErrClosed)
}

func TestPipeSendCopies(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	raw := []byte("abc")
	require.NoError(t, a.Send(context.Background(), raw))
	raw[0] = 'x'
	assert.Equal(t, "abc", string(<-b.inbox))
}

func TestPipeSendRejectsEmpty(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()
	assert.Error(t, a.Send(context.Background(), nil))
}

func TestPipeSendHonoursContext(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()
	for i := 0; i < cap(a.peer.inbox); i++ {
		require.NoError(t, a.Send(context.Background(), []byte{1}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.Send(ctx, []byte{2})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
