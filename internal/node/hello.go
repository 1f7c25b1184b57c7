package node

import (
	"bytes"
	"context"

	"dxbnet/internal/crypto"
	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/router"
	"dxbnet/internal/value"
)

// helloBody is the object `{sign: <buffer>, enc: <buffer>}` with the public
// keys of kr.
func helloBody(kr *crypto.Keyring) ([]byte, error) {
	pub := kr.Public()
	obj := value.NewObject()
	if err := obj.Set("sign", pub.Sign); err != nil {
		return nil, err
	}
	if err := obj.Set("enc", pub.Enc); err != nil {
		return nil, err
	}
	return dxb.BuildValue(obj)
}

func helloKeys(v value.Value) (crypto.PeerKeys, error) {
	obj, ok := v.(*value.Object)
	if !ok {
		return crypto.PeerKeys{}, dxerr.Format("hello", "body is %s, want an object", value.Format(v))
	}
	field := func(name string) ([]byte, error) {
		raw, ok := obj.Get(name)
		if !ok {
			return nil, dxerr.Format("hello", "missing %q", name)
		}
		b, ok := raw.([]byte)
		if !ok || len(b) == 0 {
			return nil, dxerr.Format("hello", "%q is not a buffer", name)
		}
		return b, nil
	}
	sign, err := field("sign")
	if err != nil {
		return crypto.PeerKeys{}, err
	}
	enc, err := field("enc")
	if err != nil {
		return crypto.PeerKeys{}, err
	}
	return crypto.PeerKeys{Sign: sign, Enc: enc}, nil
}

// Hello announces the node's keys on a socket. The receiver registers the
// socket as a direct route to this node.
func (n *Node) Hello(ctx context.Context, id router.SocketID) error {
	sock, ok := n.router.Socket(id)
	if !ok {
		return dxerr.Network("hello", "unknown %s", id)
	}
	body, err := helloBody(n.keys)
	if err != nil {
		return err
	}
	h := &dxb.Header{
		TTL:        dxb.DefaultTTL,
		Sender:     n.local,
		SID:        n.newSID(),
		Type:       dxb.TypeHello,
		EndOfScope: true,
		Timestamp:  n.opts.Now(),
	}
	raw, err := dxb.Encode(h, body, dxb.EncodeOptions{})
	if err != nil {
		return err
	}
	n.markGreeted(id)
	if err := sock.Send(ctx, raw); err != nil {
		return dxerr.Wrap(dxerr.KindNetwork, "hello", err)
	}
	return nil
}

// handleHello stores the sender's keys on first contact and answers a direct
// HELLO on a socket that has not been greeted yet. Keys that differ from the
// stored ones are rejected.
func (n *Node) handleHello(ctx context.Context, from router.SocketID, h *dxb.Header, v value.Value) error {
	if h.Sender.IsZero() {
		return dxerr.Format("hello", "anonymous sender")
	}
	keys, err := helloKeys(v)
	if err != nil {
		return err
	}
	if known, ok := n.keys.Peer(h.Sender); ok {
		if !bytes.Equal(known.Sign, keys.Sign) || !bytes.Equal(known.Enc, keys.Enc) {
			n.drop(dropSecurity)
			return dxerr.Security("hello", "%s announced keys that differ from the stored ones", h.Sender)
		}
	} else {
		if err := n.keys.SetPeer(h.Sender, keys); err != nil {
			return dxerr.Wrap(dxerr.KindSecurity, "hello", err)
		}
		if n.keys.Path() != "" {
			if err := n.keys.Save(); err != nil {
				n.log.Warn("keyring not saved", "err", err)
			}
		}
		n.log.Info("peer keys stored", "peer", h.Sender.String())
	}

	direct := h.TTL == dxb.DefaultTTL
	addr := ""
	if from != 0 {
		if err := n.router.RegisterID(from, h.Sender, direct); err != nil {
			return err
		}
		if sock, ok := n.router.Socket(from); ok {
			if ra, ok := sock.(interface{ RemoteAddr() string }); ok {
				addr = ra.RemoteAddr()
			}
		}
	}
	if err := n.peers.Observe(h.Sender, keys, addr); err != nil {
		n.log.Debug("peer address not updated", "peer", h.Sender.String(), "addr", addr, "err", err)
	}
	if from != 0 && direct && !n.isGreeted(from) {
		return n.Hello(ctx, from)
	}
	return nil
}

func (n *Node) isGreeted(id router.SocketID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.greeted[id]
}

// Goodbye tells every connected socket that this node leaves. It is always
// signed.
func (n *Node) Goodbye(ctx context.Context) error {
	body, err := dxb.BuildValue(value.Void{})
	if err != nil {
		return err
	}
	return n.transmit(ctx, 0, message{
		typ:    dxb.TypeGoodbye,
		flood:  true,
		sid:    n.newSID(),
		body:   body,
		signed: true,
	})
}

func (n *Node) handleGoodbye(h *dxb.Header) error {
	if !h.Signed {
		n.drop(dropSecurity)
		return dxerr.Security("goodbye", "unsigned GOODBYE from %s", h.Sender)
	}
	routes := n.router.MarkOffline(h.Sender)
	subs := n.pointers.ClearSubscriber(h.Sender)
	n.peers.Forget(h.Sender)
	n.sessions.Forget(h.Sender)
	n.log.Info("peer left", "peer", h.Sender.String(), "routes", routes, "subscriptions", subs)
	return nil
}
