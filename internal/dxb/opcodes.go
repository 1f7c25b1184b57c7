package dxb

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single DXB body instruction. The set is closed: a byte that is
// not listed here is a format error.
type Opcode byte

// Flow
const (
	OpExit          Opcode = 0x00 // end the scope
	OpCloseAndStore Opcode = 0x01 // end the statement (;)
	OpSubscopeStart Opcode = 0x02 // (
	OpSubscopeEnd   Opcode = 0x03 // )
	OpCachePoint    Opcode = 0x04 // keep consumed bytes across blocks
	OpCacheReset    Opcode = 0x05 // drop consumed bytes again
)

// Std type shorthands
const (
	OpStdText      Opcode = 0x10
	OpStdInt       Opcode = 0x11
	OpStdFloat     Opcode = 0x12
	OpStdBoolean   Opcode = 0x13
	OpStdNull      Opcode = 0x14
	OpStdVoid      Opcode = 0x15
	OpStdBuffer    Opcode = 0x16
	OpStdCodeBlock Opcode = 0x17
	OpStdUnit      Opcode = 0x18
	OpStdTime      Opcode = 0x19
	OpStdURL       Opcode = 0x1a
	OpStdArray     Opcode = 0x1b
	OpStdObject    Opcode = 0x1c
	OpStdSet       Opcode = 0x1d
	OpStdMap       Opcode = 0x1e
	OpStdTuple     Opcode = 0x1f
	OpStdFunction  Opcode = 0x20
	OpStdStream    Opcode = 0x21
	OpStdAny       Opcode = 0x22
	OpStdAssertion Opcode = 0x23
	OpStdTask      Opcode = 0x24
	OpStdIterator  Opcode = 0x25
)

// Internal variable shorthands
const (
	OpVarResult                Opcode = 0x30 // #result
	OpSetVarResult             Opcode = 0x31
	OpSetVarResultReference    Opcode = 0x32
	OpVarResultAction          Opcode = 0x33
	OpVarSubResult             Opcode = 0x34 // #sub_result
	OpSetVarSubResult          Opcode = 0x35
	OpSetVarSubResultReference Opcode = 0x36
	OpVarSubResultAction       Opcode = 0x37
	OpVarVoid                  Opcode = 0x38 // #void
	OpSetVarVoid               Opcode = 0x39
	OpSetVarVoidReference      Opcode = 0x3a
	OpVarVoidAction            Opcode = 0x3b
	OpVarIt                    Opcode = 0x40 // #it
	OpSetVarIt                 Opcode = 0x41
	OpSetVarItReference        Opcode = 0x42
	OpVarItAction              Opcode = 0x43
	OpVarRemote                Opcode = 0x44 // #remote
	OpVarRemoteAction          Opcode = 0x45
	OpVarOrigin                Opcode = 0x46 // #origin
	OpVarEndpoint              Opcode = 0x47 // #endpoint
	OpVarEntrypoint            Opcode = 0x48
	OpVarStd                   Opcode = 0x49
	OpVarMeta                  Opcode = 0x4b
	OpVarPublic                Opcode = 0x4c
	OpVarThis                  Opcode = 0x4d
	OpVarLocation              Opcode = 0x4e
	OpVarEnv                   Opcode = 0x4f
)

// Runtime commands
const (
	OpReturn              Opcode = 0x50
	OpTemplate            Opcode = 0x51
	OpExtends             Opcode = 0x52
	OpImplements          Opcode = 0x53
	OpMatches             Opcode = 0x54
	OpDebugger            Opcode = 0x55
	OpJmp                 Opcode = 0x56 // u32 index
	OpJtr                 Opcode = 0x57 // u32 index, jump if truthy
	OpJfa                 Opcode = 0x58 // u32 index, jump if falsy
	OpCount               Opcode = 0x59
	OpAbout               Opcode = 0x5a
	OpNew                 Opcode = 0x5b
	OpDeletePointer       Opcode = 0x5c
	OpCopy                Opcode = 0x5f
	OpClone               Opcode = 0x60
	OpOrigin              Opcode = 0x61
	OpSubscribers         Opcode = 0x62
	OpPlainScope          Opcode = 0x63
	OpTransform           Opcode = 0x65
	OpObserve             Opcode = 0x66
	OpRun                 Opcode = 0x67
	OpAwait               Opcode = 0x68
	OpDefer               Opcode = 0x69
	OpFunction            Opcode = 0x6a
	OpAssert              Opcode = 0x6b
	OpIterator            Opcode = 0x6c
	OpNext                Opcode = 0x6d
	OpFreeze              Opcode = 0x6e
	OpSeal                Opcode = 0x6f
	OpHas                 Opcode = 0x70
	OpKeys                Opcode = 0x71
	OpGetType             Opcode = 0x72
	OpGet                 Opcode = 0x73
	OpRange               Opcode = 0x74
	OpResolveRelativePath Opcode = 0x75
	OpDo                  Opcode = 0x76
	OpDefault             Opcode = 0x77
	OpCollapse            Opcode = 0x78
	OpResponse            Opcode = 0x79
	OpCloneCollapse       Opcode = 0x88
)

// Comparators
const (
	OpEqualValue    Opcode = 0x80 // ==
	OpNotEqualValue Opcode = 0x81 // !=
	OpEqual         Opcode = 0x82 // ===
	OpNotEqual      Opcode = 0x83 // !==
	OpGreater       Opcode = 0x84
	OpLess          Opcode = 0x85
	OpGreaterEqual  Opcode = 0x86
	OpLessEqual     Opcode = 0x87
)

// Operators
const (
	OpAnd       Opcode = 0x90
	OpOr        Opcode = 0x91
	OpAdd       Opcode = 0x92
	OpSubtract  Opcode = 0x93
	OpMultiply  Opcode = 0x94
	OpDivide    Opcode = 0x95
	OpNot       Opcode = 0x96
	OpModulo    Opcode = 0x97
	OpPower     Opcode = 0x98
	OpIncrement Opcode = 0x99
	OpDecrement Opcode = 0x9a
)

// Variables, labels and pointers
const (
	OpInternalVar             Opcode = 0xa4 // name
	OpSetInternalVar          Opcode = 0xa5 // name
	OpInitInternalVar         Opcode = 0xa6 // name, u32 skip index
	OpInternalVarAction       Opcode = 0xa7 // action, name
	OpSetInternalVarReference Opcode = 0xa8 // name
	OpLabel                   Opcode = 0xa9 // name
	OpSetLabel                Opcode = 0xaa // name
	OpInitLabel               Opcode = 0xab // name, u32 skip index
	OpLabelAction             Opcode = 0xac // action, name
	OpPointer                 Opcode = 0xad // id
	OpSetPointer              Opcode = 0xae // id
	OpInitPointer             Opcode = 0xaf // id, u32 skip index
	OpPointerAction           Opcode = 0xb0 // action, id
	OpCreatePointer           Opcode = 0xb1
)

// Children
const (
	OpChildGet          Opcode = 0xb2
	OpChildSet          Opcode = 0xb3
	OpChildSetReference Opcode = 0xb4
	OpChildAction       Opcode = 0xb5 // action
	OpChildGetRef       Opcode = 0xb6
	OpWildcard          Opcode = 0xb7
)

// Values
const (
	OpText                     Opcode = 0xc0 // u32 len, utf8
	OpInt8                     Opcode = 0xc1
	OpInt16                    Opcode = 0xc2
	OpInt32                    Opcode = 0xc3
	OpInt64                    Opcode = 0xc4
	OpFloat64                  Opcode = 0xc5
	OpTrue                     Opcode = 0xc6
	OpFalse                    Opcode = 0xc7
	OpNull                     Opcode = 0xc8
	OpVoid                     Opcode = 0xc9
	OpBuffer                   Opcode = 0xca // u32 len, bytes
	OpScopeBlock               Opcode = 0xcb // u32 len, nested body
	OpQuantity                 Opcode = 0xcc
	OpFloatAsInt32             Opcode = 0xcd
	OpShortText                Opcode = 0xce // u8 len, utf8
	OpPersonAlias              Opcode = 0xcf
	OpPersonAliasWildcard      Opcode = 0xd0
	OpInstitutionAlias         Opcode = 0xd1
	OpInstitutionAliasWildcard Opcode = 0xd2
	OpBot                      Opcode = 0xd3
	OpBotWildcard              Opcode = 0xd4
	OpEndpoint                 Opcode = 0xd5
	OpEndpointWildcard         Opcode = 0xd6
	OpURL                      Opcode = 0xd8 // u32 len, utf8
	OpType                     Opcode = 0xd9
	OpExtendedType             Opcode = 0xda
	OpConjunction              Opcode = 0xdb // u32 count
	OpDisjunction              Opcode = 0xdc // u32 count
	OpTime                     Opcode = 0xdd // u64 unix ms
	OpFloatAsInt8              Opcode = 0xde
)

// Collections
const (
	OpArrayStart            Opcode = 0xe0
	OpArrayEnd              Opcode = 0xe1
	OpObjectStart           Opcode = 0xe2
	OpObjectEnd             Opcode = 0xe3
	OpTupleStart            Opcode = 0xe4
	OpTupleEnd              Opcode = 0xe5
	OpElementWithKey        Opcode = 0xe6 // u8 len, key
	OpElementWithIntKey     Opcode = 0xe7 // u32 key
	OpElementWithDynamicKey Opcode = 0xe8
	OpKeyPermission         Opcode = 0xe9
	OpElement               Opcode = 0xea
	OpInternalObjectSlot    Opcode = 0xef // u16 slot
)

// Special
const (
	OpSync       Opcode = 0xf0
	OpStopSync   Opcode = 0xf1
	OpStream     Opcode = 0xf2
	OpStopStream Opcode = 0xf3
	OpExtend     Opcode = 0xf4 // spread the next value into the collection
	OpYeet       Opcode = 0xf5 // raise the next value
	OpRemote     Opcode = 0xf6 // run the next scope block on the previous target
)

var opcodeNames = map[Opcode]string{
	OpExit: "EXIT", OpCloseAndStore: "CLOSE_AND_STORE", OpSubscopeStart: "SUBSCOPE_START",
	OpSubscopeEnd: "SUBSCOPE_END", OpCachePoint: "CACHE_POINT", OpCacheReset: "CACHE_RESET",

	OpStdText: "STD_TYPE_TEXT", OpStdInt: "STD_TYPE_INT", OpStdFloat: "STD_TYPE_FLOAT",
	OpStdBoolean: "STD_TYPE_BOOLEAN", OpStdNull: "STD_TYPE_NULL", OpStdVoid: "STD_TYPE_VOID",
	OpStdBuffer: "STD_TYPE_BUFFER", OpStdCodeBlock: "STD_TYPE_CODE_BLOCK", OpStdUnit: "STD_TYPE_UNIT",
	OpStdTime: "STD_TYPE_TIME", OpStdURL: "STD_TYPE_URL", OpStdArray: "STD_TYPE_ARRAY",
	OpStdObject: "STD_TYPE_OBJECT", OpStdSet: "STD_TYPE_SET", OpStdMap: "STD_TYPE_MAP",
	OpStdTuple: "STD_TYPE_TUPLE", OpStdFunction: "STD_TYPE_FUNCTION", OpStdStream: "STD_TYPE_STREAM",
	OpStdAny: "STD_TYPE_ANY", OpStdAssertion: "STD_TYPE_ASSERTION", OpStdTask: "STD_TYPE_TASK",
	OpStdIterator: "STD_TYPE_ITERATOR",

	OpVarResult: "VAR_RESULT", OpSetVarResult: "SET_VAR_RESULT", OpSetVarResultReference: "SET_VAR_RESULT_REFERENCE",
	OpVarResultAction: "VAR_RESULT_ACTION", OpVarSubResult: "VAR_SUB_RESULT", OpSetVarSubResult: "SET_VAR_SUB_RESULT",
	OpSetVarSubResultReference: "SET_VAR_SUB_RESULT_REFERENCE", OpVarSubResultAction: "VAR_SUB_RESULT_ACTION",
	OpVarVoid: "VAR_VOID", OpSetVarVoid: "SET_VAR_VOID", OpSetVarVoidReference: "SET_VAR_VOID_REFERENCE",
	OpVarVoidAction: "VAR_VOID_ACTION", OpVarIt: "VAR_IT", OpSetVarIt: "SET_VAR_IT",
	OpSetVarItReference: "SET_VAR_IT_REFERENCE", OpVarItAction: "VAR_IT_ACTION", OpVarRemote: "VAR_REMOTE",
	OpVarRemoteAction: "VAR_REMOTE_ACTION", OpVarOrigin: "VAR_ORIGIN", OpVarEndpoint: "VAR_ENDPOINT",
	OpVarEntrypoint: "VAR_ENTRYPOINT", OpVarStd: "VAR_STD", OpVarMeta: "VAR_META", OpVarPublic: "VAR_PUBLIC",
	OpVarThis: "VAR_THIS", OpVarLocation: "VAR_LOCATION", OpVarEnv: "VAR_ENV",

	OpReturn: "RETURN", OpTemplate: "TEMPLATE", OpExtends: "EXTENDS", OpImplements: "IMPLEMENTS",
	OpMatches: "MATCHES", OpDebugger: "DEBUGGER", OpJmp: "JMP", OpJtr: "JTR", OpJfa: "JFA",
	OpCount: "COUNT", OpAbout: "ABOUT", OpNew: "NEW", OpDeletePointer: "DELETE_POINTER", OpCopy: "COPY",
	OpClone: "CLONE", OpOrigin: "ORIGIN", OpSubscribers: "SUBSCRIBERS", OpPlainScope: "PLAIN_SCOPE",
	OpTransform: "TRANSFORM", OpObserve: "OBSERVE", OpRun: "RUN", OpAwait: "AWAIT", OpDefer: "DEFER",
	OpFunction: "FUNCTION", OpAssert: "ASSERT", OpIterator: "ITERATOR", OpNext: "NEXT", OpFreeze: "FREEZE",
	OpSeal: "SEAL", OpHas: "HAS", OpKeys: "KEYS", OpGetType: "GET_TYPE", OpGet: "GET", OpRange: "RANGE",
	OpResolveRelativePath: "RESOLVE_RELATIVE_PATH", OpDo: "DO", OpDefault: "DEFAULT", OpCollapse: "COLLAPSE",
	OpResponse: "RESPONSE", OpCloneCollapse: "CLONE_COLLAPSE",

	OpEqualValue: "EQUAL_VALUE", OpNotEqualValue: "NOT_EQUAL_VALUE", OpEqual: "EQUAL", OpNotEqual: "NOT_EQUAL",
	OpGreater: "GREATER", OpLess: "LESS", OpGreaterEqual: "GREATER_EQUAL", OpLessEqual: "LESS_EQUAL",

	OpAnd: "AND", OpOr: "OR", OpAdd: "ADD", OpSubtract: "SUBTRACT", OpMultiply: "MULTIPLY", OpDivide: "DIVIDE",
	OpNot: "NOT", OpModulo: "MODULO", OpPower: "POWER", OpIncrement: "INCREMENT", OpDecrement: "DECREMENT",

	OpInternalVar: "INTERNAL_VAR", OpSetInternalVar: "SET_INTERNAL_VAR", OpInitInternalVar: "INIT_INTERNAL_VAR",
	OpInternalVarAction: "INTERNAL_VAR_ACTION", OpSetInternalVarReference: "SET_INTERNAL_VAR_REFERENCE",
	OpLabel: "LABEL", OpSetLabel: "SET_LABEL", OpInitLabel: "INIT_LABEL", OpLabelAction: "LABEL_ACTION",
	OpPointer: "POINTER", OpSetPointer: "SET_POINTER", OpInitPointer: "INIT_POINTER",
	OpPointerAction: "POINTER_ACTION", OpCreatePointer: "CREATE_POINTER",

	OpChildGet: "CHILD_GET", OpChildSet: "CHILD_SET", OpChildSetReference: "CHILD_SET_REFERENCE",
	OpChildAction: "CHILD_ACTION", OpChildGetRef: "CHILD_GET_REF", OpWildcard: "WILDCARD",

	OpText: "TEXT", OpInt8: "INT_8", OpInt16: "INT_16", OpInt32: "INT_32", OpInt64: "INT_64",
	OpFloat64: "FLOAT_64", OpTrue: "TRUE", OpFalse: "FALSE", OpNull: "NULL", OpVoid: "VOID",
	OpBuffer: "BUFFER", OpScopeBlock: "SCOPE_BLOCK", OpQuantity: "QUANTITY", OpFloatAsInt32: "FLOAT_AS_INT_32",
	OpShortText: "SHORT_TEXT", OpPersonAlias: "PERSON_ALIAS", OpPersonAliasWildcard: "PERSON_ALIAS_WILDCARD",
	OpInstitutionAlias: "INSTITUTION_ALIAS", OpInstitutionAliasWildcard: "INSTITUTION_ALIAS_WILDCARD",
	OpBot: "BOT", OpBotWildcard: "BOT_WILDCARD", OpEndpoint: "ENDPOINT", OpEndpointWildcard: "ENDPOINT_WILDCARD",
	OpURL: "URL", OpType: "TYPE", OpExtendedType: "EXTENDED_TYPE", OpConjunction: "CONJUNCTION",
	OpDisjunction: "DISJUNCTION", OpTime: "TIME", OpFloatAsInt8: "FLOAT_AS_INT_8",

	OpArrayStart: "ARRAY_START", OpArrayEnd: "ARRAY_END", OpObjectStart: "OBJECT_START",
	OpObjectEnd: "OBJECT_END", OpTupleStart: "TUPLE_START", OpTupleEnd: "TUPLE_END",
	OpElementWithKey: "ELEMENT_WITH_KEY", OpElementWithIntKey: "ELEMENT_WITH_INT_KEY",
	OpElementWithDynamicKey: "ELEMENT_WITH_DYNAMIC_KEY", OpKeyPermission: "KEY_PERMISSION",
	OpElement: "ELEMENT", OpInternalObjectSlot: "INTERNAL_OBJECT_SLOT",

	OpSync: "SYNC", OpStopSync: "STOP_SYNC", OpStream: "STREAM", OpStopStream: "STOP_STREAM",
	OpExtend: "EXTEND", OpYeet: "YEET", OpRemote: "REMOTE",
}

// Known reports whether op belongs to the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(op))
}

// Opcodes lists the full instruction set in byte order.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, len(opcodeNames))
	for i := 0; i < 256; i++ {
		if op := Opcode(i); op.Known() {
			out = append(out, op)
		}
	}
	return out
}

// IsEndpointLiteral reports whether op introduces an endpoint literal.
func (op Opcode) IsEndpointLiteral() bool {
	return op >= OpPersonAlias && op <= OpEndpointWildcard
}

// StdTypeName maps the std type shorthands to their type names.
var StdTypeName = map[Opcode]string{
	OpStdText: "text", OpStdInt: "integer", OpStdFloat: "decimal", OpStdBoolean: "boolean",
	OpStdNull: "null", OpStdVoid: "void", OpStdBuffer: "buffer", OpStdCodeBlock: "scope",
	OpStdUnit: "quantity", OpStdTime: "time", OpStdURL: "url", OpStdArray: "Array",
	OpStdObject: "Object", OpStdSet: "Set", OpStdMap: "Map", OpStdTuple: "Tuple",
	OpStdFunction: "Function", OpStdStream: "Stream", OpStdAny: "Any", OpStdAssertion: "Assertion",
	OpStdTask: "Task", OpStdIterator: "Iterator",
}
