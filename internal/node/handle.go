package node

import (
	"context"
	"errors"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/metrics"
	"dxbnet/internal/reassembly"
	"dxbnet/internal/router"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

const (
	dropInvalid   = "invalid"
	dropTTL       = "ttl"
	dropLoop      = "loop"
	dropSecurity  = "security"
	dropClosed    = "closed"
	dropDuplicate = "duplicate"
)

func (n *Node) drop(reason string) {
	switch reason {
	case dropTTL:
		n.metrics.IncBlockDropTTL()
	case dropInvalid, dropSecurity:
		n.metrics.IncBlockDropInvalid()
	}
	n.metrics.IncDropByReason(reason)
}

// HandleBlock processes one raw block that arrived on socket from. Zero
// means the block did not arrive on a socket. Blocks for other endpoints
// are forwarded and forwarding errors only logged; the returned error
// describes why a block for this node was not executed.
func (n *Node) HandleBlock(ctx context.Context, from router.SocketID, raw []byte) error {
	n.metrics.IncBlockReceived()
	rt, err := dxb.ParseRouting(raw, n.local, n.pointers)
	if err != nil {
		n.drop(dropInvalid)
		return err
	}
	h := rt.Header
	if h.TTL == 0 {
		n.drop(dropTTL)
		return nil
	}
	if from != 0 && h.Sender.Equal(n.local) {
		n.drop(dropLoop)
		return nil
	}
	peek, err := rt.Peek(raw)
	if err != nil {
		n.drop(dropInvalid)
		return err
	}
	if n.reasm.Seen(peek) {
		n.metrics.IncBlockDropDuplicate()
		n.metrics.IncDropByReason(dropDuplicate)
		return nil
	}

	if h.Redirect && !h.Receivers.Flood {
		n.redirect(ctx, raw, h)
	}
	if !h.Addressed(n.local) {
		return nil
	}

	blk, err := rt.Finish(raw, dxb.DecodeOptions{
		Local:    n.local,
		Crypto:   n.keys,
		Keys:     n.sessions,
		Pointers: n.pointers,
	})
	if err != nil {
		if dxerr.KindOf(err) == dxerr.KindSecurity {
			n.drop(dropSecurity)
		} else {
			n.drop(dropInvalid)
		}
		return err
	}
	if h.Type == dxb.TypeLocal && from != 0 {
		n.drop(dropSecurity)
		return dxerr.Security("receive", "LOCAL block from %s arrived on %s", h.Sender, from)
	}
	n.metrics.IncRecvByType(h.Type.String())
	if !h.Sender.IsZero() {
		n.peers.Touch(h.Sender)
		n.learnRoute(from, h)
	}

	outcome, done, err := n.reasm.Deliver(ctx, blk)
	n.metrics.Recent().Add(metrics.BlockHeader{
		Type:     h.Type.String(),
		Sender:   h.Sender.String(),
		SID:      h.SID,
		Inc:      h.Inc,
		Outcome:  outcome.String(),
		Received: n.opts.Now(),
	})
	n.metrics.SetOpenSessions(n.reasm.Len())
	if err != nil {
		return err
	}
	switch outcome {
	case reassembly.Duplicate:
		n.metrics.IncBlockDropDuplicate()
		n.metrics.IncDropByReason(dropDuplicate)
		return nil
	case reassembly.Discarded:
		n.drop(dropClosed)
		return nil
	}
	if h.Receivers.Flood {
		n.flood(ctx, from, raw, h)
	}
	if outcome == reassembly.Ready {
		n.complete(ctx, from, done)
	}
	return nil
}

// learnRoute registers the arrival socket as an indirect route to the
// sender of a decoded block. Unsigned blocks only count while no keys are
// known for the sender.
func (n *Node) learnRoute(from router.SocketID, h *dxb.Header) {
	if from == 0 {
		return
	}
	if !h.Signed {
		if _, known := n.keys.Peer(h.Sender); known {
			return
		}
	}
	_ = n.router.RegisterID(from, h.Sender, false)
}

// hop returns a copy of raw with one hop spent, or nil when the budget is
// used up.
func (n *Node) hop(raw []byte, h *dxb.Header) []byte {
	if h.TTL <= 1 {
		n.drop(dropTTL)
		return nil
	}
	out := append([]byte(nil), raw...)
	_ = dxb.SetTTL(out, h.TTL-1)
	return out
}

func (n *Node) redirect(ctx context.Context, raw []byte, h *dxb.Header) {
	others := h.Others(n.local)
	if len(others) == 0 {
		return
	}
	out := n.hop(raw, h)
	if out == nil {
		return
	}
	n.metrics.IncBlockRedirected()
	if err := n.router.Send(ctx, out, others); err != nil {
		n.log.Debug("redirect failed", "sender", h.Sender.String(), "err", err)
	}
}

func (n *Node) flood(ctx context.Context, from router.SocketID, raw []byte, h *dxb.Header) {
	out := n.hop(raw, h)
	if out == nil {
		return
	}
	if c, err := n.router.Broadcast(ctx, out, from); err != nil {
		n.log.Debug("flood forward failed", "sender", h.Sender.String(), "reached", c, "err", err)
	}
}

// complete acts on a closed scope according to the type of its message.
func (n *Node) complete(ctx context.Context, from router.SocketID, c *reassembly.Completion) {
	n.metrics.IncBlockExecuted()
	h := c.Header
	switch h.Type {
	case dxb.TypeRequest:
		n.respond(ctx, from, h, dxb.TypeResponse, c.Result, c.Err)
	case dxb.TypeTrace:
		hops := hopsOf(c.Result)
		items := make([]value.Value, 0, len(hops)+1)
		for _, ep := range hops {
			items = append(items, ep)
		}
		items = append(items, n.local)
		n.respond(ctx, from, h, dxb.TypeTraceBack, value.NewArray(items...), c.Err)
	case dxb.TypeResponse, dxb.TypeTraceBack:
		var settled bool
		if c.Err != nil {
			settled = n.corr.Reject(h.SID, h.ReturnIndex, c.Err)
		} else {
			settled = n.corr.Resolve(h.SID, h.ReturnIndex, c.Result)
		}
		if !settled {
			n.log.Debug("response without pending request", "sender", h.Sender.String(), "sid", h.SID, "return_index", h.ReturnIndex)
		}
	case dxb.TypeData, dxb.TypeUpdate:
		if c.Err != nil {
			n.log.Warn("data message failed", "sender", h.Sender.String(), "sid", h.SID, "err", c.Err)
			return
		}
		if n.opts.OnData != nil {
			n.opts.OnData(h, c.Result)
		}
	case dxb.TypeHello:
		if err := n.handleHello(ctx, from, h, c.Result); err != nil {
			n.log.Warn("hello rejected", "sender", h.Sender.String(), "err", err)
		}
	case dxb.TypeGoodbye:
		if err := n.handleGoodbye(h); err != nil {
			n.log.Warn("goodbye rejected", "sender", h.Sender.String(), "err", err)
		}
	case dxb.TypeDebugger, dxb.TypeSourceMap:
		n.log.Debug("ignored message", "type", h.Type.String(), "sender", h.Sender.String())
	default:
		if c.Err != nil {
			n.log.Debug("scope failed", "type", h.Type.String(), "sender", h.Sender.String(), "err", c.Err)
		}
	}
}

// respond answers req with the result, or with an error body that raises
// err on the requester.
func (n *Node) respond(ctx context.Context, via router.SocketID, req *dxb.Header, typ dxb.DataType, result value.Value, cause error) {
	var (
		body []byte
		err  error
	)
	if cause == nil {
		body, err = dxb.BuildValue(result)
		if err != nil {
			cause = dxerr.Wrap(dxerr.KindValue, "response", err)
		}
	}
	if cause != nil {
		if body, err = dxb.BuildError(cause); err != nil {
			n.log.Error("error response not encodable", "err", err)
			return
		}
	}
	var to []target.Endpoint
	if !req.Sender.IsZero() {
		to = []target.Endpoint{req.Sender}
	}
	err = n.transmit(ctx, via, message{
		typ:       typ,
		to:        to,
		sid:       req.SID,
		ret:       req.ReturnIndex,
		body:      body,
		signed:    n.opts.Sign,
		encrypted: n.opts.Encrypt && len(to) > 0,
	})
	if err != nil {
		level := n.log.Warn
		if errors.Is(err, dxerr.ErrNoRoute) {
			level = n.log.Debug
		}
		level("response not delivered", "to", req.Sender.String(), "sid", req.SID, "err", err)
	}
}
