package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"dxbnet/internal/debuglog"
	"dxbnet/internal/router"
)

const (
	KindQUIC = "quic"

	// quicChannelFactor ranks QUIC above in-memory pipes.
	quicChannelFactor = 10

	defaultIdleTimeout      = 60 * time.Second
	defaultKeepAlive        = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

func quicConfig(handshake time.Duration, maxStreams int) *quic.Config {
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	conf := &quic.Config{
		HandshakeIdleTimeout: handshake,
		MaxIdleTimeout:       defaultIdleTimeout,
		KeepAlivePeriod:      defaultKeepAlive,
	}
	if maxStreams > 0 {
		conf.MaxIncomingStreams = int64(maxStreams)
	}
	return conf
}

// QUICSocket is one QUIC connection. Each block travels on its own
// bidirectional stream as a single frame.
type QUICSocket struct {
	conn        *quic.Conn
	connectedAt time.Time
	remote      string
	ip          string
	limiter     *connLimiter
	log         *slog.Logger

	releaseOnce sync.Once
}

var _ Conn = (*QUICSocket)(nil)

func newQUICSocket(conn *quic.Conn, limiter *connLimiter) *QUICSocket {
	remote := conn.RemoteAddr().String()
	s := &QUICSocket{
		conn:        conn,
		connectedAt: time.Now(),
		remote:      remote,
		ip:          hostOnly(remote),
		limiter:     limiter,
		log:         debuglog.With("network").With("remote", remote),
	}
	if limiter != nil {
		go func() {
			<-conn.Context().Done()
			s.release()
		}()
	}
	return s
}

func (s *QUICSocket) Kind() string                { return KindQUIC }
func (s *QUICSocket) Direction() router.Direction { return router.InOut }
func (s *QUICSocket) ChannelFactor() int          { return quicChannelFactor }
func (s *QUICSocket) ConnectedAt() time.Time      { return s.connectedAt }
func (s *QUICSocket) RemoteAddr() string          { return s.remote }
func (s *QUICSocket) Done() <-chan struct{}       { return s.conn.Context().Done() }

func (s *QUICSocket) Send(ctx context.Context, raw []byte) error {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", s.remote, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := WriteFrame(stream, raw); err != nil {
		stream.CancelWrite(1)
		return fmt.Errorf("write to %s: %w", s.remote, err)
	}
	return stream.Close()
}

func (s *QUICSocket) Serve(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if s.limiter != nil && !s.limiter.acquireStream(s.ip) {
			debuglog.RateLimitedf("stream-limit:"+s.ip, time.Minute, "stream limit reached for %s", s.ip)
			stream.CancelRead(2)
			stream.CancelWrite(2)
			continue
		}
		wg.Add(1)
		go func(st *quic.Stream) {
			defer wg.Done()
			defer func() {
				if s.limiter != nil {
					s.limiter.releaseStream(s.ip)
				}
			}()
			s.readStream(st, h)
		}(stream)
	}
}

func (s *QUICSocket) readStream(st *quic.Stream, h Handler) {
	defer st.Close()
	for {
		raw, err := ReadFrame(st)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("stream read failed", "err", err)
				st.CancelRead(3)
			}
			return
		}
		h(raw)
	}
}

func (s *QUICSocket) Close() error {
	err := s.conn.CloseWithError(0, "closed")
	s.release()
	return err
}

func (s *QUICSocket) release() {
	if s.limiter == nil {
		return
	}
	s.releaseOnce.Do(func() { s.limiter.releaseConn(s.ip) })
}

// ListenOptions bound what a listener accepts.
type ListenOptions struct {
	MaxConns       int
	MaxConnsPerIP  int
	MaxStreams     int
	HandshakeLimit time.Duration
}

// Listener accepts QUIC connections.
type Listener struct {
	ln      *quic.Listener
	limiter *connLimiter
	log     *slog.Logger
}

func Listen(addr string, opts ListenOptions) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(opts.HandshakeLimit, opts.MaxStreams))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{
		ln:      ln,
		limiter: newConnLimiter(opts.MaxConns, opts.MaxConnsPerIP, opts.MaxStreams),
		log:     debuglog.With("network"),
	}
	l.log.Info("quic listen ready", "addr", ln.Addr().String())
	return l, nil
}

// Accept returns the next connection within the limits. Connections over a
// limit are closed and skipped.
func (l *Listener) Accept(ctx context.Context) (*QUICSocket, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		ip := hostOnly(conn.RemoteAddr().String())
		if !l.limiter.acquireConn(ip) {
			debuglog.RateLimitedf("conn-limit:"+ip, time.Minute, "connection limit reached for %s", ip)
			_ = conn.CloseWithError(1, "connection limit")
			continue
		}
		return newQUICSocket(conn, l.limiter), nil
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Conns is the number of accepted connections still open.
func (l *Listener) Conns() int { return l.limiter.conns() }

type DialOptions struct {
	// Insecure skips certificate verification.
	Insecure       bool
	CAPath         string
	HandshakeLimit time.Duration
}

func Dial(ctx context.Context, addr string, opts DialOptions) (*QUICSocket, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(opts.HandshakeLimit, 0))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newQUICSocket(conn, nil), nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
