package node

import (
	"context"
	"errors"
	"sync/atomic"

	"dxbnet/internal/correlator"
	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/interp"
	"dxbnet/internal/router"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

// message is one outgoing logical message before it is split into blocks.
type message struct {
	typ       dxb.DataType
	to        []target.Endpoint
	flood     bool
	sid       uint32
	ret       uint16
	body      []byte
	signed    bool
	encrypted bool
}

func (n *Node) newSID() uint32 { return n.nextSID.Add(1) }

// split cuts body into consecutive pieces of at most size bytes. An empty body
// is one empty block.
func split(body []byte, size int) [][]byte {
	if len(body) <= size {
		return [][]byte{body}
	}
	out := make([][]byte, 0, (len(body)+size-1)/size)
	for len(body) > size {
		out = append(out, body[:size])
		body = body[size:]
	}
	if len(body) > 0 {
		out = append(out, body)
	}
	return out
}

func executable(t dxb.DataType) bool {
	switch t {
	case dxb.TypeRequest, dxb.TypeLocal, dxb.TypeTmpScope, dxb.TypeTrace:
		return true
	}
	return false
}

// encode builds the blocks of m and the receivers they carry. inc runs
// 0..n-1 and the last block ends the scope.
func (n *Node) encode(m message) ([][]byte, []dxb.Receiver, error) {
	chunks := split(m.body, n.opts.MaxBlockBody)
	if len(chunks) > 1<<16 {
		return nil, nil, dxerr.Value("send", "body of %d bytes needs more than %d blocks", len(m.body), 1<<16)
	}
	rs := dxb.To(m.to...)
	if m.flood {
		rs = dxb.Flood()
	}
	var key []byte
	if m.encrypted {
		if m.flood {
			return nil, nil, dxerr.Security("send", "flood blocks cannot be encrypted")
		}
		k, _, err := n.sessions.OutboundKey(n.local, m.sid)
		if err != nil {
			return nil, nil, dxerr.Wrap(dxerr.KindSecurity, "send", err)
		}
		key = k
		for i := range rs.List {
			wrapped, err := n.keys.WrapKey(rs.List[i].Endpoint, key)
			if err != nil {
				return nil, nil, dxerr.Wrap(dxerr.KindSecurity, "wrap key", err)
			}
			rs.List[i].Key = wrapped
		}
	}
	out := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		h := &dxb.Header{
			TTL:         dxb.DefaultTTL,
			Signed:      m.signed,
			Encrypted:   m.encrypted,
			Sender:      n.local,
			Receivers:   rs,
			SID:         m.sid,
			ReturnIndex: m.ret,
			Inc:         uint16(i),
			Type:        m.typ,
			Executable:  executable(m.typ),
			EndOfScope:  i == len(chunks)-1,
			Timestamp:   n.opts.Now(),
		}
		raw, err := dxb.Encode(h, chunk, dxb.EncodeOptions{Crypto: n.keys, Key: key})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, raw)
	}
	return out, rs.List, nil
}

// transmit encodes m and hands the blocks to the router. Blocks without
// receivers, or without a known route, go back on socket via.
func (n *Node) transmit(ctx context.Context, via router.SocketID, m message) error {
	blocks, rcvs, err := n.encode(m)
	if err != nil {
		return err
	}
	if !m.flood && len(rcvs) == 0 {
		sock, ok := n.router.Socket(via)
		if !ok {
			return dxerr.Network("send", "no receivers and no socket to answer on")
		}
		for _, raw := range blocks {
			if err := sock.Send(ctx, raw); err != nil {
				return dxerr.Wrap(dxerr.KindNetwork, "send", err)
			}
		}
		return nil
	}
	for _, raw := range blocks {
		if m.flood {
			if c, err := n.router.Broadcast(ctx, raw, via); c == 0 {
				return errors.Join(dxerr.Network("broadcast", "no socket accepted the block"), err)
			}
			continue
		}
		err := n.router.Send(ctx, raw, rcvs)
		if err == nil {
			continue
		}
		sock, ok := n.router.Socket(via)
		if !ok || !errors.Is(err, dxerr.ErrNoRoute) {
			return err
		}
		if err := sock.Send(ctx, raw); err != nil {
			return dxerr.Wrap(dxerr.KindNetwork, "send", err)
		}
	}
	return nil
}

func addressesLocal(to []target.Endpoint, local target.Endpoint) bool {
	if len(to) == 0 {
		return false
	}
	for _, ep := range to {
		if !(ep.Equal(target.Local) || ep.Matches(local)) {
			return false
		}
	}
	return true
}

// Session groups requests under one session id. The receiver keeps the
// persistent variables of a session between its requests.
type Session struct {
	n   *Node
	sid uint32
	ret atomic.Uint32
}

func (n *Node) NewSession() *Session {
	return &Session{n: n, sid: n.newSID()}
}

func (s *Session) SID() uint32 { return s.sid }

// Request sends body to the receivers and waits for the RESPONSE.
func (s *Session) Request(ctx context.Context, to []target.Endpoint, body []byte) (value.Value, error) {
	ret := uint16(s.ret.Add(1) - 1)
	return s.n.await(ctx, message{
		typ:       dxb.TypeRequest,
		to:        to,
		sid:       s.sid,
		ret:       ret,
		body:      body,
		signed:    s.n.opts.Sign,
		encrypted: s.n.opts.Encrypt,
	})
}

// Request runs body on the receivers in a fresh session. A request for the
// local node only is executed in process.
func (n *Node) Request(ctx context.Context, to []target.Endpoint, body []byte) (value.Value, error) {
	if addressesLocal(to, n.local) {
		return n.Execute(ctx, body)
	}
	return n.NewSession().Request(ctx, to, body)
}

// Remote implements interp.RemoteExecutor.
func (n *Node) Remote(ctx context.Context, to []target.Endpoint, body []byte) (value.Value, error) {
	return n.Request(ctx, to, body)
}

// Trace asks ep for a TRACE_BACK and returns the hops it reports.
func (n *Node) Trace(ctx context.Context, ep target.Endpoint) ([]target.Endpoint, error) {
	body, err := dxb.BuildValue(value.NewArray(n.local))
	if err != nil {
		return nil, err
	}
	v, err := n.await(ctx, message{
		typ:    dxb.TypeTrace,
		to:     []target.Endpoint{ep},
		sid:    n.newSID(),
		body:   body,
		signed: n.opts.Sign,
	})
	if err != nil {
		return nil, err
	}
	return hopsOf(v), nil
}

func (n *Node) await(ctx context.Context, m message) (value.Value, error) {
	if len(m.to) == 0 {
		return nil, dxerr.Network("request", "no receivers")
	}
	if _, ok := correlator.Expects(m.typ); !ok {
		return nil, dxerr.Value("request", "%s is not answered", m.typ)
	}
	p, err := n.corr.Await(m.sid, m.ret, 0)
	if err != nil {
		return nil, err
	}
	if err := n.transmit(ctx, 0, m); err != nil {
		n.corr.Reject(m.sid, m.ret, err)
		return nil, err
	}
	return p.Wait(ctx)
}

// Send delivers a fire-and-forget DATA or UPDATE message.
func (n *Node) Send(ctx context.Context, typ dxb.DataType, to []target.Endpoint, body []byte) error {
	switch typ {
	case dxb.TypeData, dxb.TypeUpdate:
	default:
		return dxerr.Value("send", "%s is not a fire-and-forget type", typ)
	}
	return n.transmit(ctx, 0, message{
		typ:       typ,
		to:        to,
		flood:     len(to) == 0,
		sid:       n.newSID(),
		body:      body,
		signed:    n.opts.Sign,
		encrypted: n.opts.Encrypt && len(to) > 0,
	})
}

// Execute runs body in process as a LOCAL message.
func (n *Node) Execute(ctx context.Context, body []byte) (value.Value, error) {
	return interp.Run(ctx, n.env, interp.Meta{
		Sender:    n.local,
		SID:       n.newSID(),
		Type:      dxb.TypeLocal,
		Timestamp: n.opts.Now(),
	}, body)
}

func hopsOf(v value.Value) []target.Endpoint {
	arr, ok := v.(*value.Array)
	if !ok {
		return nil
	}
	out := make([]target.Endpoint, 0, len(arr.Items))
	for _, it := range arr.Items {
		if ep, ok := it.(target.Endpoint); ok {
			out = append(out, ep)
		}
	}
	return out
}
