package engine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// Data is one element of a variable, object attribute or collection.
// IsNull is independent of the payload: a typed element can be null and
// still hold a value. The meaningful payload field is selected by the
// native type of the owner.
type Data struct {
	IsNull    bool
	Int64     int64
	Double    float64
	Bytes     []byte
	Timestamp time.Time
	Bool      bool
	Rowid     *Rowid
	Object    *Object
	Lob       *Lob
	Stmt      *Stmt

	owned bool // Handle created by the engine for this element
}

// elemSpec is the type of an element: shared by every element of a
// variable, attribute or collection.
type elemSpec struct {
	shape   Shape
	native  NativeType
	objType *ObjectType
}

// value returns the payload as a Go value, nil when null.
func (d *Data) value(native NativeType) any {
	if d.IsNull {
		return nil
	}
	switch native {
	case NativeInt64:
		return d.Int64
	case NativeDouble:
		return d.Double
	case NativeBytes:
		return d.Bytes
	case NativeTimestamp:
		return d.Timestamp
	case NativeBoolean:
		return d.Bool
	case NativeRowid:
		return d.Rowid
	case NativeObject:
		return d.Object
	case NativeLob:
		return d.Lob
	case NativeStmt:
		return d.Stmt
	}
	return nil
}

// clear releases handles the element owns and nulls it.
func (d *Data) clear() {
	if d.owned {
		if d.Lob != nil {
			d.Lob.Release()
		}
		if d.Object != nil {
			d.Object.Release()
		}
		if d.Rowid != nil {
			d.Rowid.Release()
		}
	}
	*d = Data{IsNull: true}
}

// assign stores a caller supplied value. The new payload is computed
// before d is touched, so a failed conversion leaves d unchanged.
func assign(fnName string, spec elemSpec, d *Data, v any) error {
	if v == nil {
		d.clear()
		return nil
	}
	var next Data
	mismatch := func() error {
		return newError(KindTypeMismatch, fnName, "convert value",
			"cannot store %T in %s element held as %s", v, spec.shape, spec.native)
	}

	switch spec.native {
	case NativeInt64:
		n, ok := toInt64(v)
		if !ok {
			return mismatch()
		}
		next.Int64 = n
	case NativeDouble:
		f, ok := toFloat64(v)
		if !ok {
			return mismatch()
		}
		next.Double = f
	case NativeBytes:
		b, err := toBytes(fnName, spec, v)
		if err != nil {
			return err
		}
		next.Bytes = b
	case NativeTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return mismatch()
		}
		next.Timestamp = t
	case NativeBoolean:
		b, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		next.Bool = b
	case NativeRowid:
		r, ok := v.(*Rowid)
		if !ok {
			return mismatch()
		}
		if err := r.check(fnName); err != nil {
			return err
		}
		next.Rowid = r
	case NativeLob:
		lob, ok := v.(*Lob)
		if !ok {
			return mismatch()
		}
		if err := lob.check(fnName); err != nil {
			return err
		}
		if lob.shape != spec.shape {
			return newError(KindTypeMismatch, fnName, "convert value", "cannot store %s in %s element", lob.shape, spec.shape)
		}
		next.Lob = lob
	case NativeObject:
		obj, ok := v.(*Object)
		if !ok {
			return mismatch()
		}
		if err := obj.check(fnName); err != nil {
			return err
		}
		if spec.objType != nil && obj.typ.FullName() != spec.objType.FullName() {
			return newError(KindTypeMismatch, fnName, "convert value",
				"cannot store %s in %s element", obj.typ.FullName(), spec.objType.FullName())
		}
		next.Object = obj
	case NativeStmt:
		stmt, ok := v.(*Stmt)
		if !ok {
			return mismatch()
		}
		if err := stmt.check(fnName); err != nil {
			return err
		}
		next.Stmt = stmt
	default:
		return mismatch()
	}
	d.clear()
	*d = next
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case decimal.Decimal:
		if !n.IsInteger() {
			return 0, false
		}
		return n.IntPart(), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil || !d.IsInteger() {
			return 0, false
		}
		return d.IntPart(), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return 0, false
		}
		return d.InexactFloat64(), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// toBytes converts to the byte payload. Numbers held as bytes are
// validated and kept in canonical decimal form.
func toBytes(fnName string, spec elemSpec, v any) ([]byte, error) {
	if spec.shape == ShapeNumber {
		d, ok := toDecimal(v)
		if !ok {
			return nil, newError(KindTypeMismatch, fnName, "convert value", "%v is not a number", v)
		}
		return []byte(d.String()), nil
	}
	if spec.shape == ShapeRowid {
		if r, ok := v.(*Rowid); ok {
			s, err := r.StringValue()
			if err != nil {
				return nil, err
			}
			return []byte(s), nil
		}
	}
	switch b := v.(type) {
	case []byte:
		return append([]byte(nil), b...), nil
	case string:
		return []byte(b), nil
	}
	return nil, newError(KindTypeMismatch, fnName, "convert value",
		"cannot store %T in %s element held as %s", v, spec.shape, spec.native)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(string(n))
		return d, err == nil
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	}
	if i, ok := toInt64(v); ok {
		return decimal.NewFromInt(i), true
	}
	return decimal.Decimal{}, false
}

// fromHost stores a value received from the server. Handles created for
// locators, row ids, objects and cursors are owned by the element.
func (c *Conn) fromHost(fnName string, spec elemSpec, d *Data, v any, parent *Stmt) error {
	if v == nil {
		d.clear()
		return nil
	}
	switch spec.native {
	case NativeRowid:
		rv, ok := v.(types.RowidValue)
		if !ok {
			break
		}
		d.clear()
		*d = Data{Rowid: newRowid(c, rv), owned: true}
		return nil
	case NativeLob:
		loc, ok := v.(types.LobLocator)
		if !ok {
			break
		}
		d.clear()
		*d = Data{Lob: newLob(c, loc, !loc.IsFile()), owned: true}
		return nil
	case NativeObject:
		ov, ok := v.(*types.ObjectValue)
		if !ok {
			break
		}
		typ := spec.objType
		if typ == nil || typ.FullName() != ov.Type {
			var err error
			if typ, err = c.objectType(ov.Type); err != nil {
				return err
			}
		}
		obj, err := objectFromValue(fnName, typ, ov)
		if err != nil {
			return err
		}
		d.clear()
		*d = Data{Object: obj, owned: true}
		return nil
	case NativeStmt:
		ref, ok := v.(types.CursorRef)
		if !ok {
			break
		}
		if parent == nil {
			return newError(KindTypeMismatch, fnName, "convert value", "cursors are only returned to statements")
		}
		stmt := parent.newDerived(ref)
		d.clear()
		*d = Data{Stmt: stmt}
		return nil
	case NativeBytes:
		switch val := v.(type) {
		case types.RowidValue:
			return assign(fnName, spec, d, newRowid(c, val).str)
		case time.Time:
			return assign(fnName, spec, d, val.Format(time.RFC3339Nano))
		case bool:
			if val {
				return assign(fnName, spec, d, "TRUE")
			}
			return assign(fnName, spec, d, "FALSE")
		case int64, float64:
			if spec.shape != ShapeNumber {
				dec, _ := toDecimal(val)
				return assign(fnName, spec, d, dec.String())
			}
		}
	case NativeInt64:
		if b, ok := v.(bool); ok {
			if b {
				return assign(fnName, spec, d, int64(1))
			}
			return assign(fnName, spec, d, int64(0))
		}
	case NativeBoolean:
		if n, ok := v.(int64); ok {
			return assign(fnName, spec, d, n != 0)
		}
	}
	return assign(fnName, spec, d, v)
}

// toHost returns the value sent to the server for an element.
func toHost(spec elemSpec, d *Data) any {
	if d.IsNull {
		return nil
	}
	switch spec.native {
	case NativeInt64:
		return d.Int64
	case NativeDouble:
		return d.Double
	case NativeBytes:
		if spec.shape == ShapeRaw || spec.shape == ShapeLongRaw {
			return append([]byte(nil), d.Bytes...)
		}
		return string(d.Bytes)
	case NativeTimestamp:
		return d.Timestamp
	case NativeBoolean:
		return d.Bool
	case NativeRowid:
		if d.Rowid == nil {
			return nil
		}
		return d.Rowid.value()
	case NativeLob:
		if d.Lob == nil {
			return nil
		}
		return d.Lob.loc
	case NativeObject:
		if d.Object == nil {
			return nil
		}
		return d.Object.toValue()
	}
	return nil
}
