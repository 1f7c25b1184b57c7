package network

import (
	"bytes"
	"testing"

	"dxbnet/internal/testutil"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x64, 0x01, 0x00}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameRejectsEmptyAndOversized(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("expected zero length error")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); err == nil {
		t.Fatalf("expected oversized frame error")
	}
}

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0x01})
	f.Add([]byte{0, 0, 0, 4, 0x01, 0x64})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Fuzz(t, data, func(data []byte) {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}
