package dxb

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

// Receiver is one addressed endpoint, optionally carrying the session key
// encrypted for it.
type Receiver struct {
	Endpoint target.Endpoint
	Key      []byte
}

// Receivers is the decoded receiver section. At most one of Flood, Pointer and
// List is set; all empty means "no receivers".
type Receivers struct {
	Flood   bool
	Pointer *value.PointerID
	List    []Receiver
}

func To(eps ...target.Endpoint) Receivers {
	rs := Receivers{List: make([]Receiver, 0, len(eps))}
	for _, ep := range eps {
		rs.List = append(rs.List, Receiver{Endpoint: ep})
	}
	return rs
}

func Flood() Receivers { return Receivers{Flood: true} }

func (rs Receivers) Empty() bool {
	return !rs.Flood && rs.Pointer == nil && len(rs.List) == 0
}

func (rs Receivers) Endpoints() []target.Endpoint {
	out := make([]target.Endpoint, 0, len(rs.List))
	for _, r := range rs.List {
		out = append(out, r.Endpoint)
	}
	return out
}

// Header is the decoded envelope of one block.
type Header struct {
	Version   uint8
	BlockSize uint16
	TTL       uint8
	Priority  uint8
	Signed    bool
	Encrypted bool

	Sender    target.Endpoint
	Receivers Receivers

	SID         uint32
	ReturnIndex uint16
	Inc         uint16
	Type        DataType
	Executable  bool
	EndOfScope  bool
	Device      DeviceType
	Timestamp   time.Time
	IV          []byte

	// Redirect is derived on decode: the block has to be forwarded.
	Redirect bool
}

// ReceiverResolver resolves pointer-typed receiver sections.
type ReceiverResolver interface {
	ReceiversOf(id value.PointerID) ([]target.Endpoint, error)
}

// Crypto is the set of primitives the codec consumes.
type Crypto interface {
	Sign(data []byte) ([]byte, error)
	Verify(sender target.Endpoint, data, sig []byte) error
	Encrypt(key, iv, plaintext []byte) ([]byte, error)
	Decrypt(key, iv, ciphertext []byte) ([]byte, error)
	GenerateSymmetricKey() ([]byte, error)
	WrapKey(receiver target.Endpoint, key []byte) ([]byte, error)
	UnwrapKey(wrapped []byte) ([]byte, error)
}

// SessionKeys caches symmetric keys per (sender, session).
type SessionKeys interface {
	SessionKey(sender target.Endpoint, sid uint32) ([]byte, bool)
	PutSessionKey(sender target.Endpoint, sid uint32, key []byte)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type EncodeOptions struct {
	Crypto Crypto
	// Key is the symmetric body key, required when the header is encrypted.
	Key []byte
}

func (h *Header) ttlOrDefault() uint8 {
	if h.TTL == 0 {
		return DefaultTTL
	}
	return h.TTL
}

// Encode builds a complete block. An encrypted header gets a fresh IV when
// none is set; the body is encrypted before signing.
func Encode(h *Header, body []byte, opts EncodeOptions) ([]byte, error) {
	if h.Signed && opts.Crypto == nil {
		return nil, dxerr.Security("encode", "signed block without crypto")
	}
	if h.Encrypted {
		if opts.Crypto == nil || len(opts.Key) == 0 {
			return nil, dxerr.Security("encode", "encrypted block without key")
		}
		if len(h.IV) == 0 {
			h.IV = make([]byte, IVSize)
			if _, err := rand.Read(h.IV); err != nil {
				return nil, fmt.Errorf("encode: iv: %w", err)
			}
		}
		if len(h.IV) != IVSize {
			return nil, dxerr.Format("encode", "iv must be %d bytes", IVSize)
		}
		enc, err := opts.Crypto.Encrypt(opts.Key, h.IV, body)
		if err != nil {
			return nil, dxerr.Wrap(dxerr.KindSecurity, "encode", err)
		}
		body = enc
	}

	pre := &Writer{}
	pre.Raw([]byte{Magic0, Magic1})
	version := h.Version
	if version == 0 {
		version = VersionNumber
	}
	pre.U8(version)
	pre.U16(0) // block size, patched below
	pre.U8(h.ttlOrDefault())
	pre.U8(h.Priority)
	pre.U8(encodeSigEnc(h.Signed, h.Encrypted))
	if err := appendSender(pre, h.Sender); err != nil {
		return nil, err
	}
	if err := appendReceivers(pre, h.Receivers); err != nil {
		return nil, err
	}
	sigAt := pre.Len()
	if h.Signed {
		pre.Raw(make([]byte, SignatureSize))
	}

	signed := &Writer{}
	signed.U32(h.SID)
	signed.U16(h.ReturnIndex)
	signed.U16(h.Inc)
	signed.U8(byte(h.Type))
	signed.U8(encodeFlags(h.Executable, h.EndOfScope, h.Device))
	ts := h.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	signed.U64(toTimestamp(ts))
	if h.Encrypted {
		signed.Raw(h.IV)
	}
	signed.Raw(body)

	out := append(pre.Bytes(), signed.Bytes()...)
	if h.Signed {
		sig, err := opts.Crypto.Sign(signed.Bytes())
		if err != nil {
			return nil, dxerr.Wrap(dxerr.KindSecurity, "sign", err)
		}
		if len(sig) != SignatureSize {
			return nil, dxerr.Security("sign", "signature is %d bytes, want %d", len(sig), SignatureSize)
		}
		copy(out[sigAt:], sig)
	}
	patchBlockSize(out)
	return out, nil
}

func patchBlockSize(b []byte) {
	size := len(b)
	if size > MaxBlock {
		size = 0
	}
	binary.LittleEndian.PutUint16(b[3:5], uint16(size))
}

func appendSender(w *Writer, ep target.Endpoint) error {
	if ep.Type == target.TypeAnonymous {
		w.U8(0)
		return nil
	}
	if ep.Instance == target.WildcardInstance {
		return fmt.Errorf("sender cannot be a wildcard instance")
	}
	return appendEndpoint(w, ep, true)
}

func appendReceivers(w *Writer, rs Receivers) error {
	switch {
	case rs.Flood:
		w.U16(receiversFlood)
		return nil
	case rs.Pointer != nil:
		w.U16(uint16(1 + value.PointerIDSize))
		w.U8(receiverKindPointer)
		w.Raw(rs.Pointer[:])
		return nil
	case len(rs.List) == 0:
		w.U16(receiversNone)
		return nil
	}
	if len(rs.List) > 0x7fff {
		return fmt.Errorf("too many receivers: %d", len(rs.List))
	}
	sec := &Writer{}
	sec.U8(receiverKindEndpoints)
	sec.U16(uint16(len(rs.List)))
	for _, r := range rs.List {
		if err := appendEndpoint(sec, r.Endpoint, false); err != nil {
			return err
		}
		if len(r.Key) > 0 {
			if len(r.Key) != EncryptedKeySize {
				return fmt.Errorf("encrypted key is %d bytes, want %d", len(r.Key), EncryptedKeySize)
			}
			sec.U8(1)
			sec.Raw(r.Key)
		} else {
			sec.U8(0)
		}
	}
	if sec.Len() >= receiversFlood {
		return fmt.Errorf("receiver section too large: %d bytes", sec.Len())
	}
	w.U16(uint16(sec.Len()))
	w.Raw(sec.Bytes())
	return nil
}

// ---------------------------------------------------------------------------
// Header-only parse
// ---------------------------------------------------------------------------

// Routing is the result of a header-only parse: everything before the
// signature, plus the offsets needed to finish decoding or readdress.
type Routing struct {
	Header         *Header
	receiversStart int
	receiversEnd   int
	signedStart    int
}

func formatShort(op string, err error) error {
	if errors.Is(err, ErrShort) {
		return dxerr.Format(op, "truncated block")
	}
	return err
}

// ParseRouting reads the routing part of a block without touching the
// signature or the body. local decides the Redirect flag.
func ParseRouting(raw []byte, local target.Endpoint, pointers ReceiverResolver) (*Routing, error) {
	if len(raw) < 8 {
		return nil, dxerr.Format("header", "block too short: %d bytes", len(raw))
	}
	if raw[0] != Magic0 || raw[1] != Magic1 {
		return nil, dxerr.Format("header", "bad magic %02x%02x", raw[0], raw[1])
	}
	h := &Header{
		Version:   raw[2],
		BlockSize: binary.LittleEndian.Uint16(raw[3:5]),
		TTL:       raw[5],
		Priority:  raw[6],
	}
	var ok bool
	if h.Signed, h.Encrypted, ok = decodeSigEnc(raw[7]); !ok {
		return nil, dxerr.Format("header", "invalid signature/encryption code %d", raw[7])
	}
	r := NewReader(raw, 8)
	senderType, err := r.U8()
	if err != nil {
		return nil, formatShort("header", err)
	}
	if senderType != 0 {
		typ := target.Type(senderType)
		if !typ.Valid() {
			return nil, dxerr.Format("header", "invalid sender type 0x%02x", senderType)
		}
		if h.Sender, err = readEndpointTail(r, typ, true); err != nil {
			return nil, formatShort("header", err)
		}
	}
	rt := &Routing{Header: h, receiversStart: r.Pos()}
	if err := readReceivers(r, h, pointers); err != nil {
		return nil, formatShort("receivers", err)
	}
	rt.receiversEnd = r.Pos()
	rt.signedStart = r.Pos()
	if h.Signed {
		rt.signedStart += SignatureSize
	}
	h.Redirect = isRedirect(h.Receivers, local)
	return rt, nil
}

// Peek returns a copy of the routing header with sid, return index, inc and
// type read from the signed part. Nothing is verified.
func (rt *Routing) Peek(raw []byte) (*Header, error) {
	if rt.signedStart > len(raw) {
		return nil, dxerr.Format("header", "truncated block")
	}
	h := *rt.Header
	r := NewReader(raw, rt.signedStart)
	var err error
	if h.SID, err = r.U32(); err != nil {
		return nil, formatShort("header", err)
	}
	if h.ReturnIndex, err = r.U16(); err != nil {
		return nil, formatShort("header", err)
	}
	if h.Inc, err = r.U16(); err != nil {
		return nil, formatShort("header", err)
	}
	t, err := r.U8()
	if err != nil {
		return nil, formatShort("header", err)
	}
	h.Type = DataType(t)
	return &h, nil
}

func readReceivers(r *Reader, h *Header, pointers ReceiverResolver) error {
	n, err := r.U16()
	if err != nil {
		return err
	}
	switch n {
	case receiversNone:
		return nil
	case receiversFlood:
		h.Receivers.Flood = true
		return nil
	}
	sec, err := r.Bytes(int(n))
	if err != nil {
		return err
	}
	sr := NewReader(sec, 0)
	kind, _ := sr.U8()
	switch kind {
	case receiverKindPointer:
		raw, err := sr.Bytes(value.PointerIDSize)
		if err != nil {
			return err
		}
		var id value.PointerID
		copy(id[:], raw)
		h.Receivers.Pointer = &id
		if pointers == nil {
			return dxerr.Format("receivers", "pointer receivers $%s cannot be resolved", id)
		}
		eps, err := pointers.ReceiversOf(id)
		if err != nil {
			return fmt.Errorf("receivers $%s: %w", id, err)
		}
		h.Receivers.List = To(eps...).List
		return nil
	case receiverKindEndpoints:
	default:
		return dxerr.Format("receivers", "unknown receiver section kind %d", kind)
	}
	count, err := sr.I16()
	if err != nil {
		return err
	}
	if count < 0 {
		return dxerr.Format("receivers", "negative receiver count %d", count)
	}
	h.Receivers.List = make([]Receiver, 0, count)
	for i := 0; i < int(count); i++ {
		ep, err := readEndpoint(sr, false)
		if err != nil {
			return err
		}
		rc := Receiver{Endpoint: ep}
		hasKey, err := sr.U8()
		if err != nil {
			return err
		}
		if hasKey == 1 {
			if rc.Key, err = sr.Bytes(EncryptedKeySize); err != nil {
				return err
			}
		}
		h.Receivers.List = append(h.Receivers.List, rc)
	}
	if sr.Remaining() != 0 {
		return dxerr.Format("receivers", "%d trailing bytes in receiver section", sr.Remaining())
	}
	return nil
}

// isRedirect is false when the block is only for the local node: exactly the
// local instance, the local main endpoint, LOCAL or BROADCAST. Flood and
// empty receiver sets are consumed locally as well.
func isRedirect(rs Receivers, local target.Endpoint) bool {
	if rs.Flood || len(rs.List) == 0 {
		return false
	}
	if len(rs.List) != 1 {
		return true
	}
	ep := rs.List[0].Endpoint
	switch {
	case ep.Equal(local), ep.Equal(local.Main()), ep.Equal(target.Local), ep.Equal(target.Broadcast):
		return false
	}
	return true
}

// Addressed reports whether the local node is among the receivers.
func (h *Header) Addressed(local target.Endpoint) bool {
	rs := h.Receivers
	if rs.Flood || len(rs.List) == 0 {
		return true
	}
	for _, r := range rs.List {
		ep := r.Endpoint
		if ep.Equal(target.Local) || ep.Equal(target.Broadcast) || ep.Matches(local) {
			return true
		}
	}
	return false
}

// Others returns the receivers that are not the local node.
func (h *Header) Others(local target.Endpoint) []Receiver {
	out := make([]Receiver, 0, len(h.Receivers.List))
	for _, r := range h.Receivers.List {
		ep := r.Endpoint
		switch {
		case ep.Equal(target.Local), ep.Equal(target.Broadcast), ep.Equal(local), ep.Equal(local.Main()):
			continue
		}
		out = append(out, r)
	}
	return out
}

// ---------------------------------------------------------------------------
// Full decode
// ---------------------------------------------------------------------------

type DecodeOptions struct {
	Local    target.Endpoint
	Crypto   Crypto
	Keys     SessionKeys
	Pointers ReceiverResolver
}

// Block is a fully decoded block. Body is plaintext.
type Block struct {
	Header *Header
	Body   []byte
	Raw    []byte
}

// Decode parses, verifies and decrypts a block.
func Decode(raw []byte, opts DecodeOptions) (*Block, error) {
	rt, err := ParseRouting(raw, opts.Local, opts.Pointers)
	if err != nil {
		return nil, err
	}
	return rt.Finish(raw, opts)
}

// Finish completes a header-only parse: signature check, signed header and
// body decryption.
func (rt *Routing) Finish(raw []byte, opts DecodeOptions) (*Block, error) {
	h := rt.Header
	if rt.signedStart > len(raw) {
		return nil, dxerr.Format("header", "truncated block")
	}
	signedPart := raw[rt.signedStart:]
	if h.Signed {
		if opts.Crypto == nil {
			return nil, dxerr.Security("verify", "signed block but no verifier configured")
		}
		sig := raw[rt.receiversEnd:rt.signedStart]
		if err := opts.Crypto.Verify(h.Sender, signedPart, sig); err != nil {
			return nil, dxerr.Wrap(dxerr.KindSecurity, "verify", err)
		}
	}
	r := NewReader(signedPart, 0)
	var err error
	if h.SID, err = r.U32(); err != nil {
		return nil, formatShort("header", err)
	}
	if h.ReturnIndex, err = r.U16(); err != nil {
		return nil, formatShort("header", err)
	}
	if h.Inc, err = r.U16(); err != nil {
		return nil, formatShort("header", err)
	}
	t, err := r.U8()
	if err != nil {
		return nil, formatShort("header", err)
	}
	h.Type = DataType(t)
	if !h.Type.Valid() {
		return nil, dxerr.Format("header", "unknown data type %d", t)
	}
	flags, err := r.U8()
	if err != nil {
		return nil, formatShort("header", err)
	}
	h.Executable, h.EndOfScope, h.Device = decodeFlags(flags)
	ts, err := r.U64()
	if err != nil {
		return nil, formatShort("header", err)
	}
	h.Timestamp = fromTimestamp(ts)
	if h.Encrypted {
		if h.IV, err = r.Bytes(IVSize); err != nil {
			return nil, formatShort("header", err)
		}
	}
	body := append([]byte(nil), signedPart[r.Pos():]...)
	if h.Encrypted {
		key, err := rt.sessionKey(opts)
		if err != nil {
			return nil, err
		}
		if body, err = opts.Crypto.Decrypt(key, h.IV, body); err != nil {
			return nil, dxerr.Wrap(dxerr.KindSecurity, "decrypt", err)
		}
	}
	return &Block{Header: h, Body: body, Raw: raw}, nil
}

func (rt *Routing) sessionKey(opts DecodeOptions) ([]byte, error) {
	h := rt.Header
	if opts.Crypto == nil {
		return nil, dxerr.Security("decrypt", "encrypted block but no crypto configured")
	}
	for _, rc := range h.Receivers.List {
		if len(rc.Key) == 0 || !rc.Endpoint.Matches(opts.Local) {
			continue
		}
		key, err := opts.Crypto.UnwrapKey(rc.Key)
		if err != nil {
			return nil, dxerr.Wrap(dxerr.KindSecurity, "unwrap key", err)
		}
		if opts.Keys != nil {
			opts.Keys.PutSessionKey(h.Sender, h.SID, key)
		}
		return key, nil
	}
	if opts.Keys != nil {
		if key, ok := opts.Keys.SessionKey(h.Sender, h.SID); ok {
			return key, nil
		}
	}
	return nil, dxerr.Security("decrypt", "no session key for %s sid %d", h.Sender, h.SID)
}

// ---------------------------------------------------------------------------
// In-place edits used when forwarding
// ---------------------------------------------------------------------------

// Readdress replaces the receiver section of an encoded block. The signature
// covers only the part after it, so it stays valid.
func Readdress(raw []byte, rs Receivers) ([]byte, error) {
	// pointer receivers are replaced without resolving them
	rt, err := ParseRouting(raw, target.Endpoint{}, unresolvedPointers{})
	if err != nil {
		return nil, err
	}
	w := &Writer{}
	w.Raw(raw[:rt.receiversStart])
	if err := appendReceivers(w, rs); err != nil {
		return nil, err
	}
	w.Raw(raw[rt.receiversEnd:])
	out := w.Bytes()
	patchBlockSize(out)
	return out, nil
}

type unresolvedPointers struct{}

func (unresolvedPointers) ReceiversOf(value.PointerID) ([]target.Endpoint, error) { return nil, nil }

// TTL reads the hop budget of an encoded block.
func TTL(raw []byte) (uint8, error) {
	if len(raw) < 8 || raw[0] != Magic0 || raw[1] != Magic1 {
		return 0, dxerr.Format("header", "not a dxb block")
	}
	return raw[5], nil
}

// SetTTL patches the hop budget in place.
func SetTTL(raw []byte, ttl uint8) error {
	if len(raw) < 8 || raw[0] != Magic0 || raw[1] != Magic1 {
		return dxerr.Format("header", "not a dxb block")
	}
	raw[5] = ttl
	return nil
}
