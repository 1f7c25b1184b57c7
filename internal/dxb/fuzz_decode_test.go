package dxb

import (
	"testing"

	"dxbnet/internal/target"
	"dxbnet/internal/testutil"
)

func FuzzDecodeBlock(f *testing.F) {
	seed, _ := Encode(baseHeader(), NewBuilder().Int(7).Close().MustBytes(), EncodeOptions{})
	f.Add(seed)
	f.Add([]byte{Magic0, Magic1, 1, 0, 0, 64, 0, 0, 0, 0xff, 0xff})
	f.Add([]byte{Magic0, Magic1})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Fuzz(t, data, func(data []byte) {
			blk, err := Decode(data, DecodeOptions{Local: target.MustParse("@bob")})
			if err == nil {
				_, _ = Readdress(blk.Raw, Flood())
			}
		})
	})
}
