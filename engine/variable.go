package engine

import (
	"github.com/shopspring/decimal"
)

// VarParams describes a variable to allocate.
type VarParams struct {
	Shape  Shape
	Native NativeType // Optional, defaults to DefaultNative(Shape)
	// Capacity is the number of elements. Optional, defaults to 1.
	Capacity int
	// Size is a width hint for byte elements; widths grow on write.
	Size     int
	IsArray  bool
	Growable bool
	// ObjectType is required for ShapeObject.
	ObjectType *ObjectType
}

// Var is a typed buffer of elements bound to a statement placeholder or
// fetch column. All elements share one shape and native type.
type Var struct {
	conn     *Conn
	spec     elemSpec
	isArray  bool
	growable bool
	size     int
	width    int // Widest byte element written so far

	data        []Data
	numElements int
	generation  int
	released    bool
}

// NewVar allocates a variable. Every element starts null.
func (c *Conn) NewVar(params VarParams) (*Var, error) {
	const fn = "Conn.NewVar"
	if err := c.check(fn); err != nil {
		return nil, err
	}
	if params.Native == NativeUnknown {
		params.Native = DefaultNative(params.Shape)
	}
	if !ValidPairing(params.Shape, params.Native) {
		return nil, c.record(newError(KindInvalidShape, fn, "check shape",
			"%s cannot be held as %s", params.Shape, params.Native))
	}
	if params.Shape == ShapeObject {
		if params.ObjectType == nil {
			return nil, c.record(newError(KindInvalidShape, fn, "check shape", "object variables need an object type"))
		}
		if err := params.ObjectType.check(fn); err != nil {
			return nil, c.record(err)
		}
	}
	if params.Capacity < 0 {
		return nil, c.record(newError(KindOutOfBounds, fn, "check capacity", "capacity %d is negative", params.Capacity))
	}
	if params.Capacity == 0 {
		params.Capacity = 1
	}
	v := &Var{
		conn:     c,
		spec:     elemSpec{shape: params.Shape, native: params.Native, objType: params.ObjectType},
		isArray:  params.IsArray,
		growable: params.Growable,
		size:     params.Size,
		data:     newData(params.Capacity),
	}
	if !v.isArray {
		v.numElements = params.Capacity
	}
	return v, nil
}

func newData(n int) []Data {
	data := make([]Data, n)
	for i := range data {
		data[i].IsNull = true
	}
	return data
}

func (v *Var) check(fn string) error {
	if v == nil || v.released {
		return newError(KindInvalidHandle, fn, "check variable", "variable has been released")
	}
	if v.conn.closed {
		return newError(KindInvalidHandle, fn, "check variable", "connection is closed")
	}
	return nil
}

func (v *Var) record(err error) error {
	if v == nil {
		return err
	}
	return v.conn.record(err)
}

func (v *Var) checkIndex(fn string, i int) error {
	if err := v.check(fn); err != nil {
		return err
	}
	if i < 0 || i >= len(v.data) {
		return newError(KindOutOfBounds, fn, "check index", "index %d is outside capacity %d", i, len(v.data))
	}
	return nil
}

// Shape returns the declared shape of the elements.
func (v *Var) Shape() Shape { return v.spec.shape }

// NativeType returns the host representation of the elements.
func (v *Var) NativeType() NativeType { return v.spec.native }

// ObjectType returns the type of object elements, nil for other shapes.
func (v *Var) ObjectType() *ObjectType { return v.spec.objType }

// IsArray reports whether the variable binds as an array.
func (v *Var) IsArray() bool { return v.isArray }

// IsGrowable reports whether capacity extends on demand.
func (v *Var) IsGrowable() bool { return v.growable }

// Capacity returns the number of allocated elements.
func (v *Var) Capacity() int { return len(v.data) }

// Generation changes whenever the element storage is reallocated.
// References obtained from Element under an older generation are stale.
func (v *Var) Generation() int { return v.generation }

// SizeInBytes returns the width of the widest byte element, or the size
// hint when nothing wider was written.
func (v *Var) SizeInBytes() int {
	if v.width > v.size {
		return v.width
	}
	return v.size
}

// SetValue stores a Go value at index i.
func (v *Var) SetValue(i int, value any) error {
	const fn = "Var.SetValue"
	if err := v.checkIndex(fn, i); err != nil {
		return v.record(err)
	}
	if err := assign(fn, v.spec, &v.data[i], value); err != nil {
		return v.record(err)
	}
	v.noteWidth(i)
	return nil
}

// SetFromBytes copies b into the byte element at index i.
func (v *Var) SetFromBytes(i int, b []byte) error {
	const fn = "Var.SetFromBytes"
	if err := v.checkIndex(fn, i); err != nil {
		return v.record(err)
	}
	if v.spec.native != NativeBytes {
		return v.record(newError(KindTypeMismatch, fn, "check native type",
			"variable holds %s, not bytes", v.spec.native))
	}
	if v.spec.shape == ShapeNumber {
		if _, err := decimal.NewFromString(string(b)); err != nil {
			return v.record(newError(KindTypeMismatch, fn, "convert value", "%q is not a number", b))
		}
	}
	if b == nil {
		b = []byte{}
	}
	if err := assign(fn, v.spec, &v.data[i], b); err != nil {
		return v.record(err)
	}
	v.noteWidth(i)
	return nil
}

// SetFromLob stores a LOB handle at index i. The caller keeps ownership.
func (v *Var) SetFromLob(i int, lob *Lob) error {
	return v.setHandle("Var.SetFromLob", NativeLob, i, lob)
}

// SetFromObject stores an object at index i. The caller keeps ownership.
func (v *Var) SetFromObject(i int, obj *Object) error {
	return v.setHandle("Var.SetFromObject", NativeObject, i, obj)
}

// SetFromStmt stores a statement at index i.
func (v *Var) SetFromStmt(i int, stmt *Stmt) error {
	return v.setHandle("Var.SetFromStmt", NativeStmt, i, stmt)
}

// SetFromRowid stores a row id at index i.
func (v *Var) SetFromRowid(i int, r *Rowid) error {
	return v.setHandle("Var.SetFromRowid", NativeRowid, i, r)
}

func (v *Var) setHandle(fn string, native NativeType, i int, value any) error {
	if err := v.checkIndex(fn, i); err != nil {
		return v.record(err)
	}
	if v.spec.native != native {
		return v.record(newError(KindTypeMismatch, fn, "check native type",
			"variable holds %s, not %s", v.spec.native, native))
	}
	if err := assign(fn, v.spec, &v.data[i], value); err != nil {
		return v.record(err)
	}
	return nil
}

// SetNull nulls the element at index i.
func (v *Var) SetNull(i int) error {
	const fn = "Var.SetNull"
	if err := v.checkIndex(fn, i); err != nil {
		return v.record(err)
	}
	v.data[i].clear()
	return nil
}

func (v *Var) noteWidth(i int) {
	if n := len(v.data[i].Bytes); n > v.width {
		v.width = n
	}
}

// Element returns a reference to the element at index i. The reference
// is valid until the variable grows or is released.
func (v *Var) Element(i int) (*Data, error) {
	if err := v.checkIndex("Var.Element", i); err != nil {
		return nil, v.record(err)
	}
	return &v.data[i], nil
}

// Value returns the element at index i as a Go value, nil when null.
func (v *Var) Value(i int) (any, error) {
	if err := v.checkIndex("Var.Value", i); err != nil {
		return nil, v.record(err)
	}
	return v.data[i].value(v.spec.native), nil
}

// Data returns the element storage. Like Element, the slice is stale
// once the variable grows.
func (v *Var) Data() ([]Data, error) {
	if err := v.check("Var.Data"); err != nil {
		return nil, v.record(err)
	}
	return v.data, nil
}

// NumElementsInArray returns the active element count.
func (v *Var) NumElementsInArray() (int, error) {
	if err := v.check("Var.NumElementsInArray"); err != nil {
		return 0, v.record(err)
	}
	return v.numElements, nil
}

// SetNumElementsInArray sets the active element count. Counts beyond
// capacity extend a growable variable and fail otherwise.
func (v *Var) SetNumElementsInArray(n int) error {
	const fn = "Var.SetNumElementsInArray"
	if err := v.check(fn); err != nil {
		return v.record(err)
	}
	if n < 0 {
		return v.record(newError(KindOutOfBounds, fn, "check count", "count %d is negative", n))
	}
	if n > len(v.data) {
		if !v.growable {
			return v.record(newError(KindCapacityExceeded, fn, "check count",
				"count %d exceeds capacity %d", n, len(v.data)))
		}
		v.grow(n)
	}
	v.numElements = n
	return nil
}

// grow reallocates storage for n elements, keeping existing ones.
func (v *Var) grow(n int) {
	if n <= len(v.data) {
		return
	}
	data := newData(n)
	copy(data, v.data)
	v.data = data
	v.generation++
}

// ensureCapacity grows the variable for incoming OUT values.
func (v *Var) ensureCapacity(fn string, n int, force bool) error {
	if n <= len(v.data) {
		return nil
	}
	if !v.growable && !force {
		return newError(KindCapacityExceeded, fn, "store out values",
			"%d values exceed capacity %d", n, len(v.data))
	}
	v.grow(n)
	return nil
}

// CopyData copies element srcPos of src to element dstPos of v. Handles
// are shared, not duplicated; the source keeps ownership.
func (v *Var) CopyData(dstPos int, src *Var, srcPos int) error {
	const fn = "Var.CopyData"
	if err := v.checkIndex(fn, dstPos); err != nil {
		return v.record(err)
	}
	if err := src.checkIndex(fn, srcPos); err != nil {
		return v.record(err)
	}
	if src.spec.native != v.spec.native || src.spec.shape != v.spec.shape {
		return v.record(newError(KindTypeMismatch, fn, "check types",
			"cannot copy %s/%s into %s/%s", src.spec.shape, src.spec.native, v.spec.shape, v.spec.native))
	}
	if &v.data[dstPos] == &src.data[srcPos] {
		return nil
	}
	d := src.data[srcPos]
	d.owned = false
	if d.Bytes != nil {
		d.Bytes = append([]byte(nil), d.Bytes...)
	}
	v.data[dstPos].clear()
	v.data[dstPos] = d
	v.noteWidth(dstPos)
	return nil
}

// values returns the active elements as host values.
func (v *Var) values(n int) []any {
	values := make([]any, n)
	for i := 0; i < n; i++ {
		values[i] = toHost(v.spec, &v.data[i])
	}
	return values
}

// storeHost stores server values starting at index 0.
func (v *Var) storeHost(fn string, values []any, parent *Stmt) error {
	for i, value := range values {
		if err := v.conn.fromHost(fn, v.spec, &v.data[i], value, parent); err != nil {
			return err
		}
		v.noteWidth(i)
	}
	return nil
}

// Release frees the variable and any handles its elements own.
func (v *Var) Release() error {
	if err := v.check("Var.Release"); err != nil {
		return v.record(err)
	}
	for i := range v.data {
		v.data[i].clear()
	}
	v.data = nil
	v.numElements = 0
	v.released = true
	return nil
}
