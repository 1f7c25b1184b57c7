package dxb

import (
	"fmt"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
)

// appendEndpointTail writes everything after the type byte:
// name_len, subspace_count, instance_len, [appspace], name, subspaces, instance.
func appendEndpointTail(w *Writer, ep target.Endpoint, withAppspace bool) error {
	if len(ep.Name) == 0 || len(ep.Name) > 255 {
		return fmt.Errorf("endpoint name length %d out of range", len(ep.Name))
	}
	if len(ep.Subspaces) > 255 {
		return fmt.Errorf("too many subspaces: %d", len(ep.Subspaces))
	}
	var instLen byte
	switch {
	case ep.Instance == "":
		instLen = instanceNone
	case ep.Instance == target.WildcardInstance:
		instLen = instanceWildcard
	case len(ep.Instance) >= instanceNone:
		return fmt.Errorf("endpoint instance length %d out of range", len(ep.Instance))
	default:
		instLen = byte(len(ep.Instance))
	}
	w.U8(byte(len(ep.Name)))
	w.U8(byte(len(ep.Subspaces)))
	w.U8(instLen)
	if withAppspace {
		w.U8(0)
	}
	w.Raw([]byte(ep.Name))
	for _, sub := range ep.Subspaces {
		if len(sub) == 0 || len(sub) > 255 {
			return fmt.Errorf("subspace length %d out of range", len(sub))
		}
		w.U8(byte(len(sub)))
		w.Raw([]byte(sub))
	}
	if instLen != instanceNone && instLen != instanceWildcard {
		w.Raw([]byte(ep.Instance))
	}
	return nil
}

func appendEndpoint(w *Writer, ep target.Endpoint, withAppspace bool) error {
	if !ep.Type.Valid() {
		return fmt.Errorf("invalid endpoint type 0x%02x", byte(ep.Type))
	}
	w.U8(byte(ep.Type))
	return appendEndpointTail(w, ep, withAppspace)
}

// readEndpointTail is the inverse of appendEndpointTail. Truncation returns
// ErrShort unwrapped so callers can tell it apart from malformed input.
func readEndpointTail(r *Reader, typ target.Type, withAppspace bool) (target.Endpoint, error) {
	ep := target.Endpoint{Type: typ}
	nameLen, err := r.U8()
	if err != nil {
		return ep, err
	}
	subCount, err := r.U8()
	if err != nil {
		return ep, err
	}
	instLen, err := r.U8()
	if err != nil {
		return ep, err
	}
	hasAppspace := byte(0)
	if withAppspace {
		if hasAppspace, err = r.U8(); err != nil {
			return ep, err
		}
	}
	if nameLen == 0 {
		return ep, dxerr.Format("endpoint", "empty endpoint name")
	}
	if ep.Name, err = r.String(int(nameLen)); err != nil {
		return ep, err
	}
	for i := 0; i < int(subCount); i++ {
		n, err := r.U8()
		if err != nil {
			return ep, err
		}
		sub, err := r.String(int(n))
		if err != nil {
			return ep, err
		}
		ep.Subspaces = append(ep.Subspaces, sub)
	}
	switch instLen {
	case instanceNone:
	case instanceWildcard:
		ep.Instance = target.WildcardInstance
	default:
		if ep.Instance, err = r.String(int(instLen)); err != nil {
			return ep, err
		}
	}
	if hasAppspace != 0 {
		// appspaces are parsed and dropped; nothing routes on them
		t, err := r.U8()
		if err != nil {
			return ep, err
		}
		if _, err := readEndpointTail(r, target.Type(t), false); err != nil {
			return ep, err
		}
	}
	return ep, nil
}

func readEndpoint(r *Reader, withAppspace bool) (target.Endpoint, error) {
	t, err := r.U8()
	if err != nil {
		return target.Endpoint{}, err
	}
	typ := target.Type(t)
	if !typ.Valid() {
		return target.Endpoint{}, dxerr.Format("endpoint", "invalid endpoint type 0x%02x", t)
	}
	return readEndpointTail(r, typ, withAppspace)
}

// EndpointLiteralType maps an endpoint literal opcode to its endpoint type and
// whether it is the wildcard form.
func EndpointLiteralType(op Opcode) (target.Type, bool) {
	switch op {
	case OpPersonAlias:
		return target.TypePerson, false
	case OpPersonAliasWildcard:
		return target.TypePerson, true
	case OpInstitutionAlias:
		return target.TypeInstitution, false
	case OpInstitutionAliasWildcard:
		return target.TypeInstitution, true
	case OpBot:
		return target.TypeBot, false
	case OpBotWildcard:
		return target.TypeBot, true
	case OpEndpoint:
		return target.TypeID, false
	case OpEndpointWildcard:
		return target.TypeID, true
	}
	return target.TypeAnonymous, false
}

// ReadEndpointLiteral reads the operands of an endpoint literal whose opcode
// has already been consumed.
func ReadEndpointLiteral(r *Reader, op Opcode) (target.Endpoint, error) {
	typ, wildcard := EndpointLiteralType(op)
	if typ == target.TypeAnonymous {
		return target.Endpoint{}, dxerr.Format("endpoint", "%s is not an endpoint literal", op)
	}
	ep, err := readEndpointTail(r, typ, false)
	if err != nil {
		return ep, err
	}
	if wildcard && ep.Instance == "" {
		ep.Instance = target.WildcardInstance
	}
	return ep, nil
}
