package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"dxbnet/internal/target"
)

const (
	// WrappedKeySize is the fixed receiver key slot in the block header.
	WrappedKeySize = 512

	x25519Size  = 32
	wrappedBody = x25519Size + XNonceSize + XKeySize + 16
)

var ErrUnknownPeer = errors.New("crypto: unknown peer")

// PeerKeys are the public keys an endpoint announces in its HELLO.
type PeerKeys struct {
	Sign []byte `cbor:"1,keyasint"` // PKIX P-384
	Enc  []byte `cbor:"2,keyasint"` // raw X25519
}

type keyringFile struct {
	SignPriv []byte              `cbor:"1,keyasint"`
	EncPriv  []byte              `cbor:"2,keyasint"`
	Peers    map[string]PeerKeys `cbor:"3,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("crypto: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Keyring holds the local signing and encryption keys and the public keys of
// known peers. It implements the block codec's crypto hooks.
type Keyring struct {
	mu       sync.RWMutex
	signPriv *ecdsa.PrivateKey
	signPub  []byte
	encPriv  *ecdh.PrivateKey
	peers    map[string]PeerKeys
	verifier map[string]*ecdsa.PublicKey
	path     string
}

// NewKeyring generates a fresh in-memory keyring.
func NewKeyring() (*Keyring, error) {
	pub, priv, err := GenKeypair()
	if err != nil {
		return nil, err
	}
	enc, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newKeyring(priv, pub, enc.Bytes())
}

func newKeyring(signPrivDER, signPubDER, encPriv []byte) (*Keyring, error) {
	sp, err := ParseECDSAPrivateKey(signPrivDER)
	if err != nil {
		return nil, fmt.Errorf("sign key: %w", err)
	}
	ep, err := ecdh.X25519().NewPrivateKey(encPriv)
	if err != nil {
		return nil, fmt.Errorf("enc key: %w", err)
	}
	if signPubDER == nil {
		pub, err := PublicDER(sp)
		if err != nil {
			return nil, err
		}
		signPubDER = pub
	}
	return &Keyring{
		signPriv: sp,
		signPub:  signPubDER,
		encPriv:  ep,
		peers:    make(map[string]PeerKeys),
		verifier: make(map[string]*ecdsa.PublicKey),
	}, nil
}

// LoadOrCreateKeyring reads the keyring at path, generating and saving a new
// one if the file does not exist.
func LoadOrCreateKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		k, err := NewKeyring()
		if err != nil {
			return nil, err
		}
		k.path = path
		return k, k.Save()
	}
	if err != nil {
		return nil, err
	}
	var f keyringFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal keyring: %w", err)
	}
	k, err := newKeyring(f.SignPriv, nil, f.EncPriv)
	if err != nil {
		return nil, err
	}
	k.path = path
	for name, pk := range f.Peers {
		if err := k.setPeerLocked(name, pk); err != nil {
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
	}
	return k, nil
}

// Save writes the keyring next to its path through a temp file.
func (k *Keyring) Save() error {
	if k.path == "" {
		return nil
	}
	k.mu.RLock()
	f := keyringFile{EncPriv: k.encPriv.Bytes(), Peers: make(map[string]PeerKeys, len(k.peers))}
	for name, pk := range k.peers {
		f.Peers[name] = pk
	}
	priv, err := marshalPrivate(k.signPriv)
	k.mu.RUnlock()
	if err != nil {
		return err
	}
	f.SignPriv = priv
	data, err := cborEncMode.Marshal(&f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return err
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, k.path)
}

func (k *Keyring) Path() string { return k.path }

// Public returns the keys this node announces.
func (k *Keyring) Public() PeerKeys {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return PeerKeys{
		Sign: append([]byte(nil), k.signPub...),
		Enc:  k.encPriv.PublicKey().Bytes(),
	}
}

// SetPeer records the keys of ep. Keys are stored per main endpoint.
func (k *Keyring) SetPeer(ep target.Endpoint, pk PeerKeys) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.setPeerLocked(ep.Main().Key(), pk)
}

func (k *Keyring) setPeerLocked(name string, pk PeerKeys) error {
	pub, err := ParseECDSAPublicKey(pk.Sign)
	if err != nil {
		return err
	}
	if len(pk.Enc) != x25519Size {
		return fmt.Errorf("bad encryption key size %d", len(pk.Enc))
	}
	k.peers[name] = pk
	k.verifier[name] = pub
	return nil
}

func (k *Keyring) Peer(ep target.Endpoint) (PeerKeys, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.peers[ep.Main().Key()]
	return pk, ok
}

func (k *Keyring) RemovePeer(ep target.Endpoint) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.peers, ep.Main().Key())
	delete(k.verifier, ep.Main().Key())
}

// -----------------------------------------------------------------------------
// Codec hooks
// -----------------------------------------------------------------------------

func (k *Keyring) Sign(data []byte) ([]byte, error) {
	k.mu.RLock()
	priv := k.signPriv
	k.mu.RUnlock()
	return SignRaw(priv, data)
}

func (k *Keyring) Verify(sender target.Endpoint, data, sig []byte) error {
	k.mu.RLock()
	pub, ok := k.verifier[sender.Main().Key()]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, sender)
	}
	if !VerifyRaw(pub, data, sig) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (k *Keyring) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	return XSealWithNonce(key, BodyNonce(iv), plaintext, nil)
}

func (k *Keyring) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	return XOpen(key, BodyNonce(iv), ciphertext, nil)
}

func (k *Keyring) GenerateSymmetricKey() ([]byte, error) { return GenerateSymmetricKey() }

// WrapKey seals key to the receiver's X25519 key:
// eph_pub(32) || nonce(24) || sealed(48), zero padded to WrappedKeySize.
func (k *Keyring) WrapKey(receiver target.Endpoint, key []byte) ([]byte, error) {
	pk, ok := k.Peer(receiver)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, receiver)
	}
	if len(key) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	shared, err := eph.Shared(pk.Enc)
	if err != nil {
		return nil, err
	}
	ephPub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	nonce, ct, err := XSeal(KDF(labelWrapKey, shared), key, BuildWrapAAD(ephPub, pk.Enc))
	if err != nil {
		return nil, err
	}
	out := make([]byte, WrappedKeySize)
	n := copy(out, ephPub)
	n += copy(out[n:], nonce)
	copy(out[n:], ct)
	return out, nil
}

func (k *Keyring) UnwrapKey(wrapped []byte) ([]byte, error) {
	if len(wrapped) < wrappedBody {
		return nil, errors.New("wrapped key too short")
	}
	ephPub := wrapped[:x25519Size]
	nonce := wrapped[x25519Size : x25519Size+XNonceSize]
	ct := wrapped[x25519Size+XNonceSize : wrappedBody]
	k.mu.RLock()
	priv := k.encPriv
	k.mu.RUnlock()
	shared, err := X25519Shared(priv.Bytes(), ephPub)
	if err != nil {
		return nil, err
	}
	return XOpen(KDF(labelWrapKey, shared), nonce, ct, BuildWrapAAD(ephPub, priv.PublicKey().Bytes()))
}
