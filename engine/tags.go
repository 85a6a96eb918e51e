package engine

// TypeTag identifies an object's kind. Tags live in an object's header
// word, 4-bit aligned: the low four header bits belong to the collector
// (mark and generation bits), the tag occupies the byte above them.
//
// Encoding scheme (header word, least significant bits first):
//   - bits 0..3: collector state (mark bit, age bits)
//   - bits 4..11: type tag
//   - remaining bits: engine-internal layout data
type TypeTag uint8

const (
	TagInvalid TypeTag = iota
	TagNothing
	TagBool
	TagInt8
	TagInt16
	TagInt32
	TagInt64
	TagUInt8
	TagUInt16
	TagUInt32
	TagUInt64
	TagFloat32
	TagFloat64
	TagSymbol
	TagString
	TagArray
	TagModule
	TagDataType
	TagTask
	TagException
	TagStruct
	TagFunc
)

// tagShift positions a TypeTag within a header word.
const tagShift = 4

// tagMask masks the tag byte out of a shifted header word.
const tagMask = 0xFF

// TagFromHeader extracts the type tag from a raw object header word.
func TagFromHeader(header uint64) TypeTag {
	return TypeTag((header >> tagShift) & tagMask)
}

// HeaderWithTag builds a header word carrying the given tag and zeroed
// collector bits.
func HeaderWithTag(tag TypeTag) uint64 {
	return uint64(tag) << tagShift
}

var tagNames = [...]string{
	TagInvalid:   "invalid",
	TagNothing:   "nothing",
	TagBool:      "bool",
	TagInt8:      "int8",
	TagInt16:     "int16",
	TagInt32:     "int32",
	TagInt64:     "int64",
	TagUInt8:     "uint8",
	TagUInt16:    "uint16",
	TagUInt32:    "uint32",
	TagUInt64:    "uint64",
	TagFloat32:   "float32",
	TagFloat64:   "float64",
	TagSymbol:    "symbol",
	TagString:    "string",
	TagArray:     "array",
	TagModule:    "module",
	TagDataType:  "datatype",
	TagTask:      "task",
	TagException: "exception",
	TagStruct:    "struct",
	TagFunc:      "function",
}

func (t TypeTag) String() string {
	if int(t) < len(tagNames) && tagNames[t] != "" {
		return tagNames[t]
	}
	return "unknown"
}

// IsNumeric reports whether the tag is a fixed-size numeric type.
func (t TypeTag) IsNumeric() bool {
	return t >= TagBool && t <= TagFloat64
}
