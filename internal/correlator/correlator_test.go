package correlator

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
	"dxbnet/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "42-3", Key(42, 3))
}

func TestResolve(t *testing.T) {
	c := New(0, nil)
	p, err := c.Await(42, 0, time.Second)
	require.NoError(t, err)
	assert.True(t, c.Pending(42, 0))

	assert.True(t, c.Resolve(42, 0, int64(7)))
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Resolve(42, 0, int64(8)), "settles once")
	assert.False(t, c.Reject(42, 0, errors.New("late")))
}

func TestReject(t *testing.T) {
	c := New(0, nil)
	p, err := c.Await(1, 2, 0)
	require.NoError(t, err)
	assert.True(t, c.Reject(1, 2, dxerr.Value("scope", "bad")))
	_, err = p.Wait(context.Background())
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))
}

func TestTimeoutRejectsAndRemoves(t *testing.T) {
	m := metrics.New()
	c := New(0, m)
	start := time.Now()
	p, err := c.Await(9, 0, 100*time.Millisecond)
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dxerr.ErrTimeout))
	assert.Equal(t, dxerr.KindNetwork, dxerr.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Resolve(9, 0, int64(1)), "late responses are ignored")
	assert.Equal(t, uint64(1), m.Snapshot().Requests.TimedOut)
}

func TestDuplicateAwait(t *testing.T) {
	c := New(0, nil)
	_, err := c.Await(5, 1, time.Second)
	require.NoError(t, err)
	_, err = c.Await(5, 1, time.Second)
	assert.Equal(t, dxerr.KindRuntime, dxerr.KindOf(err))
	_, err = c.Await(5, 2, time.Second)
	assert.NoError(t, err, "another return index is another request")
	assert.Equal(t, 2, c.Close())
}

func TestWaitHonoursContext(t *testing.T) {
	c := New(0, nil)
	p, err := c.Await(6, 0, time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Pending(6, 0), "the request itself is still pending")
	c.Close()
	<-p.Done()
}

func TestRacingSettlersSettleOnce(t *testing.T) {
	c := New(0, nil)
	p, err := c.Await(7, 0, 5*time.Millisecond)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = c.Resolve(7, 0, int64(i))
			} else {
				ok = c.Reject(7, 0, errors.New("no"))
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	<-p.Done()
	assert.LessOrEqual(t, wins, 1)
}

func TestExpects(t *testing.T) {
	cases := []struct {
		in   dxb.DataType
		want dxb.DataType
		ok   bool
	}{
		{dxb.TypeRequest, dxb.TypeResponse, true},
		{dxb.TypeTrace, dxb.TypeTraceBack, true},
		{dxb.TypeHello, 0, false},
		{dxb.TypeGoodbye, 0, false},
		{dxb.TypeUpdate, 0, false},
		{dxb.TypeData, 0, false},
		{dxb.TypeDebugger, 0, false},
	}
	for _, tc := range cases {
		got, ok := Expects(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Expects(%s) = %s, %v; want %s, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
