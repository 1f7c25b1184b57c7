// Package target models addressable endpoints: persons, institutions, bots and
// binary id endpoints, optionally narrowed by subspaces and an instance.
package target

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Type is the endpoint kind. Values match the DXB literal opcodes so the
// header and body encodings share one table.
type Type uint8

const (
	TypeAnonymous   Type = 0x00
	TypePerson      Type = 0xcf
	TypeInstitution Type = 0xd1
	TypeBot         Type = 0xd3
	TypeID          Type = 0xd5
)

const (
	// IDSize is the binary name length of @@ endpoints.
	IDSize = 12
	// WildcardInstance matches every instance of a main endpoint.
	WildcardInstance = "*"
)

var (
	// Local addresses the node itself regardless of its configured name.
	Local = Endpoint{Type: TypeID, Name: string(make([]byte, IDSize))}
	// Broadcast addresses every reachable endpoint.
	Broadcast = Endpoint{Type: TypeID, Name: strings.Repeat("\xff", IDSize)}
)

var ErrInvalid = errors.New("invalid endpoint")

type Endpoint struct {
	Type      Type
	Name      string
	Subspaces []string
	// Instance is empty for the main endpoint and "*" for the wildcard form.
	Instance string
}

func (t Type) Prefix() string {
	switch t {
	case TypePerson:
		return "@"
	case TypeInstitution:
		return "@+"
	case TypeBot:
		return "*"
	case TypeID:
		return "@@"
	default:
		return ""
	}
}

func (t Type) Valid() bool {
	switch t {
	case TypePerson, TypeInstitution, TypeBot, TypeID:
		return true
	}
	return false
}

// Parse reads the textual form, e.g. "@alice", "@+org.dev/7" or
// "@@0102030405060708090a0b0c".
func Parse(s string) (Endpoint, error) {
	var ep Endpoint
	rest := s
	switch {
	case strings.HasPrefix(rest, "@@"):
		ep.Type, rest = TypeID, rest[2:]
	case strings.HasPrefix(rest, "@+"):
		ep.Type, rest = TypeInstitution, rest[2:]
	case strings.HasPrefix(rest, "@"):
		ep.Type, rest = TypePerson, rest[1:]
	case strings.HasPrefix(rest, "*"):
		ep.Type, rest = TypeBot, rest[1:]
	default:
		return Endpoint{}, fmt.Errorf("%w: missing prefix in %q", ErrInvalid, s)
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		ep.Instance = rest[i+1:]
		rest = rest[:i]
		if ep.Instance == "" {
			return Endpoint{}, fmt.Errorf("%w: empty instance in %q", ErrInvalid, s)
		}
	}
	parts := strings.Split(rest, ".")
	name := parts[0]
	if name == "" {
		return Endpoint{}, fmt.Errorf("%w: empty name in %q", ErrInvalid, s)
	}
	if len(parts) > 1 {
		ep.Subspaces = append([]string(nil), parts[1:]...)
		for _, sub := range ep.Subspaces {
			if sub == "" {
				return Endpoint{}, fmt.Errorf("%w: empty subspace in %q", ErrInvalid, s)
			}
		}
	}
	if ep.Type == TypeID {
		raw, err := hex.DecodeString(name)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: id name is not hex: %v", ErrInvalid, err)
		}
		name = string(raw)
	}
	ep.Name = name
	return ep, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Endpoint {
	ep, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}

func (e Endpoint) String() string {
	if e.Type == TypeAnonymous {
		return "@@anonymous"
	}
	var b strings.Builder
	b.WriteString(e.Type.Prefix())
	if e.Type == TypeID {
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte(e.Name))))
	} else {
		b.WriteString(e.Name)
	}
	for _, sub := range e.Subspaces {
		b.WriteByte('.')
		b.WriteString(sub)
	}
	if e.Instance != "" {
		b.WriteByte('/')
		b.WriteString(e.Instance)
	}
	return b.String()
}

func (e Endpoint) IsZero() bool { return e.Type == TypeAnonymous && e.Name == "" }

// Main drops the instance.
func (e Endpoint) Main() Endpoint {
	e.Instance = ""
	return e
}

func (e Endpoint) WithInstance(inst string) Endpoint {
	e.Instance = inst
	return e
}

func (e Endpoint) IsMain() bool { return e.Instance == "" }

func (e Endpoint) IsWildcard() bool { return e.Instance == WildcardInstance }

// Equal compares the full identity including subspaces and instance.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.Type != o.Type || e.Name != o.Name || e.Instance != o.Instance || len(e.Subspaces) != len(o.Subspaces) {
		return false
	}
	for i := range e.Subspaces {
		if e.Subspaces[i] != o.Subspaces[i] {
			return false
		}
	}
	return true
}

// SameMain reports whether both endpoints share a main endpoint.
func (e Endpoint) SameMain(o Endpoint) bool {
	return e.Main().Equal(o.Main())
}

// Matches reports whether e, used as a receiver, addresses o. A main or
// wildcard receiver addresses every instance.
func (e Endpoint) Matches(o Endpoint) bool {
	if e.IsMain() || e.IsWildcard() {
		return e.SameMain(o)
	}
	return e.Equal(o)
}

// Key is a stable map key for the full identity.
func (e Endpoint) Key() string {
	return e.String()
}
