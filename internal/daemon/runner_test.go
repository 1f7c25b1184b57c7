package daemon

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dxbnet/internal/config"
	"dxbnet/internal/dxb"
	"dxbnet/internal/metrics"
	"dxbnet/internal/network"
	"dxbnet/internal/target"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Home = t.TempDir()
	cfg.Node.Endpoint = endpoint
	cfg.Router.PruneInterval = 20 * time.Millisecond
	cfg.Router.SweepInterval = 50 * time.Millisecond
	cfg.Network.ReconnectMin = 10 * time.Millisecond
	cfg.Network.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func newRunner(t *testing.T, endpoint string) *Runner {
	t.Helper()
	r, err := NewRunner(testConfig(t, endpoint), Options{})
	require.NoError(t, err)
	return r
}

func connected(a, b *Runner) func() bool {
	return func() bool {
		return a.Self.Router().Online(b.Self.Local()) && b.Self.Router().Online(a.Self.Local())
	}
}

func TestRunnersServeRequestsOverPipe(t *testing.T) {
	ra := newRunner(t, "@alice")
	rb := newRunner(t, "@bob")
	pa, pb := network.NewPipe()
	da := ra.Attach(pa)
	db := rb.Attach(pb)
	defer func() {
		ra.stopConns()
		rb.stopConns()
		<-da
		<-db
	}()
	require.Eventually(t, connected(ra, rb), 2*time.Second, 5*time.Millisecond)

	body := dxb.NewBuilder().Int(3).Op(dxb.OpAdd).Int(4).Close().MustBytes()
	v, err := ra.Self.Request(context.Background(), []target.Endpoint{rb.Self.Local()}, body)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_ = pa.Close()
	<-da
	<-db
	assert.Equal(t, 0, ra.Self.Router().Len())
	assert.Equal(t, 0, rb.Self.Router().Len())
}

func TestRunDialsConfiguredPeers(t *testing.T) {
	cfg := testConfig(t, "@alice")
	cfg.Network.Peers = []string{"bob.test:4433"}
	ra, err := NewRunner(cfg, Options{})
	require.NoError(t, err)
	rb := newRunner(t, "@bob")

	var dials atomic.Int32
	served := make(chan (<-chan struct{}), 4)
	ra.dial = func(ctx context.Context, addr string) (network.Conn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		pa, pb := network.NewPipe()
		served <- rb.Attach(pb)
		return pa, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ra.RunWithContext(ctx, nil) }()

	require.Eventually(t, connected(ra, rb), 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
	require.Eventually(t, func() bool { return rb.Self.Router().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	rb.stopConns()
	close(served)
	for done := range served {
		<-done
	}

	snap, err := metrics.ReadSnapshot(filepath.Join(cfg.Node.Home, "metrics.json"))
	require.NoError(t, err)
	assert.NotZero(t, snap.Blocks.Received)
	_, err = os.Stat(filepath.Join(cfg.Node.Home, "devtls_ca.pem"))
	assert.NoError(t, err)
}

func TestNewRunnerKeepsKeyringAndInstance(t *testing.T) {
	cfg := testConfig(t, "@alice")
	cfg.Node.Instance = "n1"
	first, err := NewRunner(cfg, Options{})
	require.NoError(t, err)
	second, err := NewRunner(cfg, Options{})
	require.NoError(t, err)

	assert.Equal(t, "n1", first.Self.Local().Instance)
	assert.Equal(t, first.Self.Keyring().Public(), second.Self.Keyring().Public())
}

func TestNewRunnerRejectsMissingHome(t *testing.T) {
	cfg := testConfig(t, "@alice")
	cfg.Node.Home = ""
	_, err := NewRunner(cfg, Options{})
	assert.Error(t, err)
}

func TestNextBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base, limit := 100*time.Millisecond, 2*time.Second
	for fails := 1; fails <= 8; fails++ {
		got := nextBackoff(fails, base, limit, rng)
		floor := base * time.Duration(1<<(fails-1))
		if floor >= limit {
			if got != limit {
				t.Fatalf("fails=%d: got %s want cap %s", fails, got, limit)
			}
			continue
		}
		if got < floor || got > floor+backoffJitter {
			t.Fatalf("fails=%d: got %s want [%s, %s]", fails, got, floor, floor+backoffJitter)
		}
	}
	if got := nextBackoff(100, base, limit, rng); got != limit {
		t.Fatalf("large fail count: got %s want %s", got, limit)
	}
}
