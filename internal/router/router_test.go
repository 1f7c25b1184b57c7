package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice    = target.MustParse("@alice")
	bob      = target.MustParse("@bob")
	carol    = target.MustParse("@carol")
	bobPhone = target.MustParse("@bob/phone")
)

type fakeSocket struct {
	kind      string
	dir       Direction
	factor    int
	connected time.Time
	fail      bool

	mu   sync.Mutex
	sent [][]byte
}

func newSocket(factor int, connected int64) *fakeSocket {
	return &fakeSocket{kind: "pipe", dir: InOut, factor: factor, connected: time.Unix(connected, 0)}
}

func (s *fakeSocket) Kind() string           { return s.kind }
func (s *fakeSocket) Direction() Direction   { return s.dir }
func (s *fakeSocket) ChannelFactor() int     { return s.factor }
func (s *fakeSocket) ConnectedAt() time.Time { return s.connected }

func (s *fakeSocket) Send(_ context.Context, raw []byte) error {
	if s.fail {
		return errors.New("link down")
	}
	s.mu.Lock()
	s.sent = append(s.sent, raw)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSocket) receivers(t *testing.T, i int) dxb.Receivers {
	t.Helper()
	s.mu.Lock()
	raw := s.sent[i]
	s.mu.Unlock()
	rt, err := dxb.ParseRouting(raw, alice, nil)
	require.NoError(t, err)
	return rt.Header.Receivers
}

func encoded(t *testing.T) []byte {
	t.Helper()
	raw, err := dxb.Encode(&dxb.Header{
		Sender:    alice,
		Receivers: dxb.To(bob),
		SID:       42,
		Type:      dxb.TypeRequest,
		Timestamp: time.Unix(1700000000, 0),
	}, dxb.NewBuilder().Int(7).Close().MustBytes(), dxb.EncodeOptions{})
	require.NoError(t, err)
	return raw
}

func TestPreferredDirectBeatsChannelFactor(t *testing.T) {
	r := New(Options{})
	s1 := newSocket(2, 5)
	s2 := newSocket(5, 9)
	id1 := r.Register(s1, bob, true)
	r.Register(s2, bob, false)

	got, ok := r.Preferred(bob)
	require.True(t, ok)
	assert.Equal(t, id1, got)
}

func TestPreferredOrdersByFactorThenNewest(t *testing.T) {
	r := New(Options{})
	slow := r.Register(newSocket(1, 100), bob, false)
	fastOld := r.Register(newSocket(4, 10), bob, false)
	fastNew := r.Register(newSocket(4, 20), bob, false)

	got, _ := r.Preferred(bob)
	assert.Equal(t, fastNew, got)
	got, _ = r.Preferred(bob, fastNew)
	assert.Equal(t, fastOld, got)
	got, _ = r.Preferred(bob, fastNew, fastOld)
	assert.Equal(t, slow, got)
}

func TestPreferredFallsBackToInstanceThenDefault(t *testing.T) {
	r := New(Options{DefaultInterface: "quic"})
	phone := r.Register(newSocket(1, 1), bobPhone, true)

	got, ok := r.Preferred(bob)
	require.True(t, ok, "any instance of the main endpoint")
	assert.Equal(t, phone, got)

	_, ok = r.Preferred(carol)
	assert.False(t, ok, "no default socket yet")

	gw := &fakeSocket{kind: "quic", dir: InOut, factor: 1}
	gwID := r.Register(gw, target.MustParse("@gateway"), true)
	def, ok := r.Default()
	require.True(t, ok)
	assert.Equal(t, gwID, def)

	got, ok = r.Preferred(carol)
	require.True(t, ok)
	assert.Equal(t, gwID, got)

	r.Remove(gwID)
	_, ok = r.Default()
	assert.False(t, ok)
}

func TestReceiveOnlySocketsAreSkipped(t *testing.T) {
	r := New(Options{})
	in := &fakeSocket{kind: "pipe", dir: In, factor: 9}
	r.Register(in, bob, true)
	_, ok := r.Preferred(bob)
	assert.False(t, ok)
}

func TestUnregisterDirectCascades(t *testing.T) {
	r := New(Options{})
	s := newSocket(1, 1)
	id := r.Register(s, bob, true)
	r.Register(s, carol, false)
	r.Register(s, target.MustParse("@dave"), false)

	assert.Equal(t, 3, r.Unregister(id, bob))
	assert.False(t, r.Online(carol))
	assert.Equal(t, 1, r.Len(), "the socket itself stays")
	assert.Equal(t, 0, r.Unregister(id, bob))
}

func TestUnregisterIndirectKeepsOthers(t *testing.T) {
	r := New(Options{})
	s := newSocket(1, 1)
	id := r.Register(s, bob, true)
	r.Register(s, carol, false)

	assert.Equal(t, 1, r.Unregister(id, carol))
	assert.True(t, r.Online(bob))
}

func TestSendGroupsReceiversBySocket(t *testing.T) {
	r := New(Options{})
	s1 := newSocket(1, 1)
	s2 := newSocket(1, 1)
	r.Register(s1, bob, true)
	r.Register(s1, carol, false)
	r.Register(s2, target.MustParse("@dave"), true)

	err := r.Send(context.Background(), encoded(t), []dxb.Receiver{
		{Endpoint: bob}, {Endpoint: carol}, {Endpoint: target.MustParse("@dave")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, s1.count())
	require.Equal(t, 1, s2.count())
	eps := s1.receivers(t, 0).Endpoints()
	require.Len(t, eps, 2)
	assert.True(t, eps[0].Equal(bob))
	assert.True(t, eps[1].Equal(carol))
}

func TestSendReportsUnresolved(t *testing.T) {
	r := New(Options{})
	s := newSocket(1, 1)
	r.Register(s, bob, true)

	err := r.Send(context.Background(), encoded(t), []dxb.Receiver{{Endpoint: bob}, {Endpoint: carol}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dxerr.ErrNoRoute))
	assert.Equal(t, dxerr.KindNetwork, dxerr.KindOf(err))
	assert.Contains(t, err.Error(), "@carol")
	assert.Equal(t, 1, s.count(), "resolved receivers are still sent")
}

func TestSendContinuesAfterReaddressError(t *testing.T) {
	r := New(Options{})
	s1 := newSocket(1, 1)
	s2 := newSocket(1, 1)
	r.Register(s1, bob, true)
	r.Register(s2, carol, true)

	err := r.Send(context.Background(), encoded(t), []dxb.Receiver{
		{Endpoint: bob, Key: []byte{1, 2, 3}}, {Endpoint: carol},
	})
	require.Error(t, err)
	assert.Equal(t, dxerr.KindFormat, dxerr.KindOf(err))
	assert.Equal(t, 0, s1.count())
	assert.Equal(t, 1, s2.count(), "later groups are still sent")
}

func TestSendFailureRetriesAsBroadcast(t *testing.T) {
	r := New(Options{})
	broken := newSocket(9, 1)
	broken.fail = true
	other := newSocket(1, 1)
	r.Register(broken, bob, true)
	r.Register(other, carol, true)

	require.NoError(t, r.Send(context.Background(), encoded(t), []dxb.Receiver{{Endpoint: bob}}))
	require.Equal(t, 1, other.count())
	assert.True(t, other.receivers(t, 0).Flood)
}

func TestSendFailureWithoutFallback(t *testing.T) {
	r := New(Options{})
	broken := newSocket(1, 1)
	broken.fail = true
	r.Register(broken, bob, true)

	err := r.Send(context.Background(), encoded(t), []dxb.Receiver{{Endpoint: bob}})
	require.Error(t, err)
	assert.Equal(t, dxerr.KindNetwork, dxerr.KindOf(err))
}

func TestBroadcastOncePerEndpoint(t *testing.T) {
	r := New(Options{})
	direct := newSocket(1, 1)
	relay := newSocket(5, 1)
	fresh := newSocket(1, 1)
	arrival := newSocket(1, 1)
	r.Register(direct, bob, true)
	r.Register(relay, bob, false)
	r.Add(fresh)
	arrivalID := r.Register(arrival, carol, true)

	n, err := r.Broadcast(context.Background(), encoded(t), arrivalID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, direct.count())
	assert.Equal(t, 0, relay.count(), "bob was already reached directly")
	assert.Equal(t, 1, fresh.count(), "sockets without endpoints are tried")
	assert.Equal(t, 0, arrival.count())
	assert.True(t, direct.receivers(t, 0).Flood)
}

func TestSweepRemovesOfflineIndirect(t *testing.T) {
	r := New(Options{SweepConcurrency: 2})
	s := newSocket(1, 1)
	r.Register(s, bob, true)
	r.Register(s, carol, false)
	r.Register(s, target.MustParse("@dave"), false)

	removed, err := r.Sweep(context.Background(), LivenessFunc(func(_ context.Context, ep target.Endpoint) bool {
		return !ep.Equal(carol) && !ep.Equal(bob)
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "direct registrations survive the sweep")
	assert.True(t, r.Online(bob))
	assert.False(t, r.Online(carol))
	assert.True(t, r.Online(target.MustParse("@dave")))
}

func TestSweepStopsOnCancel(t *testing.T) {
	r := New(Options{})
	r.Register(newSocket(1, 1), bob, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Sweep(ctx, LivenessFunc(func(context.Context, target.Endpoint) bool { return false }))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, r.Online(bob))
}

func TestMarkOffline(t *testing.T) {
	r := New(Options{})
	gw := newSocket(1, 1)
	r.Register(gw, target.MustParse("@gateway"), true)
	r.Register(gw, bobPhone, false)
	r.Register(gw, bob, false)

	assert.Equal(t, 2, r.MarkOffline(bob))
	assert.False(t, r.Online(bob))
	_, ok := r.Preferred(bob)
	assert.False(t, ok)

	r.Register(gw, bob, false)
	assert.False(t, r.Online(bob), "an indirect route does not end the mark")
	_, ok = r.Preferred(bob)
	assert.False(t, ok)

	r.Register(newSocket(1, 2), bob, true)
	assert.True(t, r.Online(bob), "a direct registration clears the mark")
}

func TestConcurrentRegistrationAndLookup(t *testing.T) {
	r := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := newSocket(i, int64(i))
			id := r.Register(s, bob, i%2 == 0)
			r.Unregister(id, bob)
			r.Remove(id)
		}()
		go func() {
			defer wg.Done()
			r.Preferred(bob)
			r.Endpoints()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
