package types

import (
	"strconv"
	"strings"
)

// Family groups declared column types by the way their values are stored.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyText
	FamilyNText
	FamilyChar
	FamilyRaw
	FamilyLongRaw
	FamilyInteger
	FamilyNumber
	FamilyFloat
	FamilyDate
	FamilyTimestamp
	FamilyBoolean
	FamilyClob
	FamilyNClob
	FamilyBlob
	FamilyBfile
	FamilyRowid
	FamilyCursor
	// FamilyNamed is a declared type that is not built in; it may name an
	// object type.
	FamilyNamed
)

// DeclType is a parsed declared column type such as VARCHAR2(60) or
// NUMBER(10,2).
type DeclType struct {
	Family    Family
	Name      string
	Size      int
	Precision int
	Scale     int
}

var familyByName = map[string]Family{
	"VARCHAR":           FamilyText,
	"VARCHAR2":          FamilyText,
	"TEXT":              FamilyText,
	"STRING":            FamilyText,
	"CHARACTER VARYING": FamilyText,
	"NVARCHAR":          FamilyNText,
	"NVARCHAR2":         FamilyNText,
	"CHAR":              FamilyChar,
	"NCHAR":             FamilyChar,
	"CHARACTER":         FamilyChar,
	"RAW":               FamilyRaw,
	"VARBINARY":         FamilyRaw,
	"LONG RAW":          FamilyLongRaw,
	"INTEGER":           FamilyInteger,
	"INT":               FamilyInteger,
	"BIGINT":            FamilyInteger,
	"SMALLINT":          FamilyInteger,
	"PLS_INTEGER":       FamilyInteger,
	"BINARY_INTEGER":    FamilyInteger,
	"NUMBER":            FamilyNumber,
	"NUMERIC":           FamilyNumber,
	"DECIMAL":           FamilyNumber,
	"REAL":              FamilyFloat,
	"FLOAT":             FamilyFloat,
	"DOUBLE":            FamilyFloat,
	"DOUBLE PRECISION":  FamilyFloat,
	"BINARY_DOUBLE":     FamilyFloat,
	"BINARY_FLOAT":      FamilyFloat,
	"DATE":              FamilyDate,
	"DATETIME":          FamilyTimestamp,
	"TIMESTAMP":         FamilyTimestamp,
	"BOOLEAN":           FamilyBoolean,
	"CLOB":              FamilyClob,
	"NCLOB":             FamilyNClob,
	"BLOB":              FamilyBlob,
	"BFILE":             FamilyBfile,
	"ROWID":             FamilyRowid,
	"UROWID":            FamilyRowid,
	"SYS_REFCURSOR":     FamilyCursor,
	"REF CURSOR":        FamilyCursor,
}

// ParseDeclType parses a declared type. An empty string yields
// FamilyUnknown.
func ParseDeclType(decl string) DeclType {
	decl = strings.TrimSpace(strings.ToUpper(decl))
	if decl == "" {
		return DeclType{}
	}
	name, args := decl, ""
	if open := strings.IndexByte(decl, '('); open >= 0 {
		name = strings.TrimSpace(decl[:open])
		if end := strings.IndexByte(decl[open:], ')'); end > 0 {
			args = decl[open+1 : open+end]
		}
	}
	// TIMESTAMP(6) WITH TIME ZONE and friends.
	if strings.HasPrefix(name, "TIMESTAMP") {
		name = "TIMESTAMP"
	}
	dt := DeclType{Name: name}
	family, ok := familyByName[name]
	if !ok {
		family = FamilyNamed
	}
	dt.Family = family

	var nums []int
	for _, part := range strings.Split(args, ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(part), "CHAR"), "BYTE"))
		if n, err := strconv.Atoi(part); err == nil {
			nums = append(nums, n)
		}
	}
	switch family {
	case FamilyNumber:
		if len(nums) > 0 {
			dt.Precision = nums[0]
		}
		if len(nums) > 1 {
			dt.Scale = nums[1]
		}
		// NUMBER(p) and NUMBER(p,0) with p <= 18 fit in 64 bits.
		if len(nums) > 0 && dt.Scale == 0 && dt.Precision <= 18 {
			dt.Family = FamilyInteger
		}
	case FamilyFloat, FamilyTimestamp:
		// Binary precision for floats, fractional second digits for
		// timestamps.
		if len(nums) > 0 {
			dt.Precision = nums[0]
		}
	default:
		if len(nums) > 0 {
			dt.Size = nums[0]
		}
	}
	return dt
}
