package node

import (
	"dxbnet/internal/dxerr"
	"dxbnet/internal/pointer"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

// guard decides which senders may create labels and write pointers on this
// node. The local endpoint and trusted endpoints may do both; any other
// sender may only write pointers it created.
type guard struct {
	local    target.Endpoint
	pointers *pointer.Store
	trusted  []target.Endpoint
}

func (g *guard) privileged(sender target.Endpoint) bool {
	if sender.SameMain(g.local) {
		return true
	}
	for _, t := range g.trusted {
		if t.Matches(sender) {
			return true
		}
	}
	return false
}

func (g *guard) CreateLabel(sender target.Endpoint, name string) error {
	if g.privileged(sender) {
		return nil
	}
	return dxerr.Permission("label", "%s may not create label #%s", sender, name)
}

func (g *guard) WritePointer(sender target.Endpoint, id value.PointerID) error {
	if g.privileged(sender) {
		return nil
	}
	origin, ok := g.pointers.Origin(id)
	if !ok || origin.Matches(sender) {
		return nil
	}
	return dxerr.Permission("pointer", "%s may not write $%s", sender, id)
}
