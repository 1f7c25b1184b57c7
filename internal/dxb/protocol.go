// Package dxb implements the DXB block envelope: header encoding, header-only
// routing parses, full decodes with signature and body decryption, and the
// value and instruction encoders used to build bodies.
package dxb

import (
	"fmt"
	"time"
)

const (
	Magic0        = 0x01
	Magic1        = 0x64
	VersionNumber = 1

	DefaultTTL = 64
	MaxSID     = 4294967295
	MaxBlock   = 65535

	SignatureSize    = 96
	IVSize           = 16
	EncryptedKeySize = 512

	// receiver section length markers
	receiversNone  = 0
	receiversFlood = 0xffff

	receiverKindEndpoints = 0
	receiverKindPointer   = 1

	instanceNone     = 255
	instanceWildcard = 0
)

// BigBang is the zero point of DXB timestamps.
var BigBang = time.UnixMilli(1642806000000)

type DataType uint8

const (
	TypeRequest   DataType = 0
	TypeResponse  DataType = 1
	TypeData      DataType = 2
	TypeTmpScope  DataType = 3
	TypeLocal     DataType = 4
	TypeHello     DataType = 5
	TypeDebugger  DataType = 6
	TypeSourceMap DataType = 7
	TypeUpdate    DataType = 8
	TypeGoodbye   DataType = 9
	TypeTrace     DataType = 10
	TypeTraceBack DataType = 11
)

var dataTypeNames = [...]string{
	TypeRequest:   "REQUEST",
	TypeResponse:  "RESPONSE",
	TypeData:      "DATA",
	TypeTmpScope:  "TMP_SCOPE",
	TypeLocal:     "LOCAL",
	TypeHello:     "HELLO",
	TypeDebugger:  "DEBUGGER",
	TypeSourceMap: "SOURCE_MAP",
	TypeUpdate:    "UPDATE",
	TypeGoodbye:   "GOODBYE",
	TypeTrace:     "TRACE",
	TypeTraceBack: "TRACE_BACK",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

func (t DataType) Valid() bool { return int(t) < len(dataTypeNames) }

type DeviceType uint8

const (
	DeviceDefault  DeviceType = 0
	DeviceMobile   DeviceType = 1
	DeviceNetwork  DeviceType = 2
	DeviceEmbedded DeviceType = 3
	DeviceVirtual  DeviceType = 4
)

// sig_enc byte table
const (
	sigEncNone            = 0
	sigEncSigned          = 1
	sigEncSignedEncrypted = 2
	sigEncEncrypted       = 3
)

func encodeSigEnc(signed, encrypted bool) byte {
	switch {
	case signed && encrypted:
		return sigEncSignedEncrypted
	case signed:
		return sigEncSigned
	case encrypted:
		return sigEncEncrypted
	}
	return sigEncNone
}

func decodeSigEnc(b byte) (signed, encrypted bool, ok bool) {
	switch b {
	case sigEncNone:
		return false, false, true
	case sigEncSigned:
		return true, false, true
	case sigEncSignedEncrypted:
		return true, true, true
	case sigEncEncrypted:
		return false, true, true
	}
	return false, false, false
}

// flags byte, MSB first: [reserved:1][executable:1][end_of_scope:1][device_type:5]
func encodeFlags(executable, endOfScope bool, dev DeviceType) byte {
	var b byte
	if executable {
		b |= 1 << 6
	}
	if endOfScope {
		b |= 1 << 5
	}
	return b | byte(dev)&0x1f
}

func decodeFlags(b byte) (executable, endOfScope bool, dev DeviceType) {
	return b&(1<<6) != 0, b&(1<<5) != 0, DeviceType(b & 0x1f)
}

func toTimestamp(t time.Time) uint64 {
	if t.IsZero() || t.Before(BigBang) {
		return 0
	}
	return uint64(t.Sub(BigBang) / time.Millisecond)
}

func fromTimestamp(ms uint64) time.Time {
	return BigBang.Add(time.Duration(ms) * time.Millisecond)
}
