package dxerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("decode: %w", Format("header", "bad magic %x", 0x02))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	if errors.Is(err, ErrSecurity) {
		t.Fatalf("format error matched security sentinel")
	}
	if KindOf(err) != KindFormat {
		t.Fatalf("unexpected kind %v", KindOf(err))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindNetwork, "await", ErrTimeout)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrNetwork) {
		t.Fatalf("wrap lost chain: %v", err)
	}
	if Wrap(KindNetwork, "await", nil) != nil {
		t.Fatalf("wrap of nil should be nil")
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindUnknown; k <= KindRuntime; k++ {
		if got := ParseKind(k.String()); got != k {
			t.Fatalf("kind %v parsed as %v", k, got)
		}
	}
	if ParseKind("nope") != KindUnknown {
		t.Fatalf("unknown name should map to KindUnknown")
	}
}

func TestOnlyPermissionIsRecoverable(t *testing.T) {
	if KindPermission.Fatal() {
		t.Fatalf("permission errors must not end the scope")
	}
	if !KindValue.Fatal() || !KindFormat.Fatal() {
		t.Fatalf("value/format errors must end the scope")
	}
}

func TestErrorString(t *testing.T) {
	err := Value("op", "division by zero")
	if got := err.Error(); got != "ValueError (op): division by zero" {
		t.Fatalf("unexpected message %q", got)
	}
}
