package pointer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
)

var alice = target.MustParse("@alice")

func TestNewIDLayout(t *testing.T) {
	a := NewID(alice)
	b := NewID(alice)
	assert.Equal(t, byte(idKindLocal), a[0])
	assert.NotEqual(t, a, b)
	assert.Equal(t, a[17:], b[17:], "origin hash should be stable")
}

func TestCreateWakesWaiters(t *testing.T) {
	s := NewStore()
	id := NewID(alice)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan error, 1)
	go func() {
		p, err := s.WaitFor(ctx, id)
		if err == nil && p.Get() != int64(5) {
			err = errors.New("wrong value")
		}
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := s.Create(id, int64(5), alice)
	require.NoError(t, err)
	require.NoError(t, <-got)

	_, err = s.Create(id, int64(6), alice)
	require.ErrorIs(t, err, dxerr.ErrValue)
}

func TestWaitForCancels(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.WaitFor(ctx, NewID(alice))
	require.ErrorIs(t, err, dxerr.ErrNetwork)
	assert.Empty(t, s.waiters)
}

func TestLabelsAndDelete(t *testing.T) {
	s := NewStore()
	p := s.New("x", alice)
	s.SetLabel("greeting", p, alice)
	got, ok := s.Label("greeting")
	require.True(t, ok)
	assert.Same(t, p, got)

	require.True(t, s.Delete(p.ID))
	_, ok = s.Label("greeting")
	assert.False(t, ok)
	assert.False(t, s.Delete(p.ID))
}

func TestClearSubscriberAndReceivers(t *testing.T) {
	s := NewStore()
	p := s.New(int64(1), alice)
	bobA := target.MustParse("@bob/a")
	bobB := target.MustParse("@bob/b")
	carol := target.MustParse("@carol")
	p.Subscribe(bobA)
	p.Subscribe(bobB)
	p.Subscribe(carol)

	eps, err := s.ReceiversOf(p.ID)
	require.NoError(t, err)
	assert.Len(t, eps, 3)

	assert.Equal(t, 2, s.ClearSubscriber(target.MustParse("@bob")))
	eps, _ = s.ReceiversOf(p.ID)
	require.Len(t, eps, 1)
	assert.True(t, eps[0].Equal(carol))

	_, err = s.ReceiversOf(NewID(alice))
	assert.Error(t, err)
}
