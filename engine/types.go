package engine

import (
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// Shape is the declared logical type of a variable's elements.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeVarchar
	ShapeNVarchar
	ShapeChar
	ShapeRaw
	ShapeLongRaw
	ShapeNumber
	ShapeNativeInt
	ShapeNativeDouble
	ShapeDate
	ShapeTimestamp
	ShapeRowid
	ShapeClob
	ShapeNClob
	ShapeBlob
	ShapeBfile
	ShapeCursor
	ShapeObject
	ShapeBoolean
)

var shapeNames = map[Shape]string{
	ShapeVarchar:      "VARCHAR",
	ShapeNVarchar:     "NVARCHAR",
	ShapeChar:         "CHAR",
	ShapeRaw:          "RAW",
	ShapeLongRaw:      "LONG RAW",
	ShapeNumber:       "NUMBER",
	ShapeNativeInt:    "NATIVE INTEGER",
	ShapeNativeDouble: "NATIVE DOUBLE",
	ShapeDate:         "DATE",
	ShapeTimestamp:    "TIMESTAMP",
	ShapeRowid:        "ROWID",
	ShapeClob:         "CLOB",
	ShapeNClob:        "NCLOB",
	ShapeBlob:         "BLOB",
	ShapeBfile:        "BFILE",
	ShapeCursor:       "CURSOR",
	ShapeObject:       "OBJECT",
	ShapeBoolean:      "BOOLEAN",
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsLob reports whether elements are large object handles.
func (s Shape) IsLob() bool {
	return s == ShapeClob || s == ShapeNClob || s == ShapeBlob || s == ShapeBfile
}

// IsText reports whether byte elements hold character data.
func (s Shape) IsText() bool {
	return s == ShapeVarchar || s == ShapeNVarchar || s == ShapeChar
}

func (s Shape) lobKind() types.LobKind {
	switch s {
	case ShapeClob:
		return types.LobClob
	case ShapeNClob:
		return types.LobNClob
	case ShapeBfile:
		return types.LobBfile
	}
	return types.LobBlob
}

func shapeForLobKind(kind types.LobKind) Shape {
	switch kind {
	case types.LobClob:
		return ShapeClob
	case types.LobNClob:
		return ShapeNClob
	case types.LobBfile:
		return ShapeBfile
	}
	return ShapeBlob
}

// NativeType is the host representation of a variable's elements. It
// selects which field of Data carries the payload.
type NativeType int

const (
	NativeUnknown NativeType = iota
	NativeInt64
	NativeDouble
	NativeBytes
	NativeTimestamp
	NativeRowid
	NativeObject
	NativeLob
	NativeStmt
	NativeBoolean
)

func (n NativeType) String() string {
	switch n {
	case NativeInt64:
		return "int64"
	case NativeDouble:
		return "double"
	case NativeBytes:
		return "bytes"
	case NativeTimestamp:
		return "timestamp"
	case NativeRowid:
		return "rowid"
	case NativeObject:
		return "object"
	case NativeLob:
		return "lob"
	case NativeStmt:
		return "stmt"
	case NativeBoolean:
		return "boolean"
	}
	return "unknown"
}

// validNative lists the native types each shape can be held in. The
// first entry is the default.
var validNative = map[Shape][]NativeType{
	ShapeVarchar:      {NativeBytes},
	ShapeNVarchar:     {NativeBytes},
	ShapeChar:         {NativeBytes},
	ShapeRaw:          {NativeBytes},
	ShapeLongRaw:      {NativeBytes},
	ShapeNumber:       {NativeDouble, NativeInt64, NativeBytes},
	ShapeNativeInt:    {NativeInt64},
	ShapeNativeDouble: {NativeDouble},
	ShapeDate:         {NativeTimestamp},
	ShapeTimestamp:    {NativeTimestamp},
	ShapeRowid:        {NativeRowid, NativeBytes},
	ShapeClob:         {NativeLob},
	ShapeNClob:        {NativeLob},
	ShapeBlob:         {NativeLob},
	ShapeBfile:        {NativeLob},
	ShapeCursor:       {NativeStmt},
	ShapeObject:       {NativeObject},
	ShapeBoolean:      {NativeBoolean},
}

// ValidPairing reports whether shape can be held in native.
func ValidPairing(shape Shape, native NativeType) bool {
	for _, n := range validNative[shape] {
		if n == native {
			return true
		}
	}
	return false
}

// DefaultNative returns the native type used for shape when none is given.
func DefaultNative(shape Shape) NativeType {
	if natives := validNative[shape]; len(natives) > 0 {
		return natives[0]
	}
	return NativeUnknown
}

// shapeForDecl negotiates the shape and native type of a column or
// attribute from its declared type.
func shapeForDecl(decl types.DeclType) (Shape, NativeType) {
	switch decl.Family {
	case types.FamilyText:
		return ShapeVarchar, NativeBytes
	case types.FamilyNText:
		return ShapeNVarchar, NativeBytes
	case types.FamilyChar:
		return ShapeChar, NativeBytes
	case types.FamilyRaw:
		return ShapeRaw, NativeBytes
	case types.FamilyLongRaw:
		return ShapeLongRaw, NativeBytes
	case types.FamilyInteger:
		return ShapeNumber, NativeInt64
	case types.FamilyNumber:
		return ShapeNumber, NativeDouble
	case types.FamilyFloat:
		return ShapeNativeDouble, NativeDouble
	case types.FamilyDate:
		return ShapeDate, NativeTimestamp
	case types.FamilyTimestamp:
		return ShapeTimestamp, NativeTimestamp
	case types.FamilyBoolean:
		return ShapeBoolean, NativeBoolean
	case types.FamilyClob:
		return ShapeClob, NativeLob
	case types.FamilyNClob:
		return ShapeNClob, NativeLob
	case types.FamilyBlob:
		return ShapeBlob, NativeLob
	case types.FamilyBfile:
		return ShapeBfile, NativeLob
	case types.FamilyRowid:
		return ShapeRowid, NativeRowid
	case types.FamilyCursor:
		return ShapeCursor, NativeStmt
	case types.FamilyNamed:
		return ShapeObject, NativeObject
	}
	return ShapeVarchar, NativeBytes
}
