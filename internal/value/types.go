package value

import (
	"time"

	"dxbnet/internal/target"
)

// Type is a type reference such as <integer> or <app:Point/v2>.
type Type struct {
	Namespace string
	Name      string
	Variation string
	// Params holds the parameter tuple of extended types, nil otherwise.
	Params Value
}

const StdNamespace = "std"

func Std(name string) Type { return Type{Namespace: StdNamespace, Name: name} }

func (t Type) String() string {
	s := t.Name
	if t.Namespace != "" && t.Namespace != StdNamespace {
		s = t.Namespace + ":" + s
	}
	if t.Variation != "" {
		s += "/" + t.Variation
	}
	return s
}

func (t Type) Is(o Type) bool {
	return t.Namespace == o.Namespace && t.Name == o.Name
}

// Standard type names.
const (
	TypeText       = "text"
	TypeInteger    = "integer"
	TypeDecimal    = "decimal"
	TypeBoolean    = "boolean"
	TypeNull       = "null"
	TypeVoid       = "void"
	TypeBuffer     = "buffer"
	TypeScope      = "scope"
	TypeQuantity   = "quantity"
	TypeTime       = "time"
	TypeURL        = "url"
	TypeArray      = "Array"
	TypeObject     = "Object"
	TypeSet        = "Set"
	TypeMap        = "Map"
	TypeTuple      = "Tuple"
	TypeFunction   = "Function"
	TypeStream     = "Stream"
	TypeAny        = "Any"
	TypeAssertion  = "Assertion"
	TypeTask       = "Task"
	TypeIterator   = "Iterator"
	TypeError      = "Error"
	TypeEndpoint   = "endpoint"
	TypeType       = "Type"
	TypeRange      = "Range"
	TypeConnective = "Connective"
	TypePointer    = "Pointer"
)

// TypeOf reports the std type of v. Pointers report the type of their value.
func TypeOf(v Value) Type {
	switch x := v.(type) {
	case nil, Void:
		return Std(TypeVoid)
	case Null:
		return Std(TypeNull)
	case bool:
		return Std(TypeBoolean)
	case int64:
		return Std(TypeInteger)
	case float64:
		return Std(TypeDecimal)
	case string:
		return Std(TypeText)
	case []byte:
		return Std(TypeBuffer)
	case URL:
		return Std(TypeURL)
	case time.Time:
		return Std(TypeTime)
	case Quantity:
		return Std(TypeQuantity)
	case Code:
		return Std(TypeScope)
	case target.Endpoint:
		return Std(TypeEndpoint)
	case Type:
		return Std(TypeType)
	case Range:
		return Std(TypeRange)
	case ErrorValue:
		return Std(TypeError)
	case *Array:
		return Std(TypeArray)
	case *Object:
		return Std(TypeObject)
	case *Tuple:
		return Std(TypeTuple)
	case *Connective:
		return Std(TypeConnective)
	case *Task:
		return Std(TypeTask)
	case *Pointer:
		return TypeOf(x.Get())
	}
	return Std(TypeAny)
}
