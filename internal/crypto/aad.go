package crypto

import (
	"encoding/binary"
)

const (
	labelBodyNonce = "dxb:body:nonce:v1"
	labelWrapKey   = "dxb:wrap:key:v1"
	labelWrapAAD   = "dxb:wrap:aad:v1"
)

// BuildWrapAAD binds a wrapped session key to the ephemeral key that
// produced it and to the receiver's static key.
func BuildWrapAAD(ephPub, recvPub []byte) []byte {
	buf := make([]byte, 0, len(labelWrapAAD)+4+len(ephPub)+len(recvPub))
	buf = append(buf, []byte(labelWrapAAD)...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(ephPub)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, ephPub...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(recvPub)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, recvPub...)
	return buf
}

// BodyNonce stretches the 16-byte block IV into an XChaCha nonce.
func BodyNonce(iv []byte) []byte {
	return KDF(labelBodyNonce, iv)[:XNonceSize]
}
