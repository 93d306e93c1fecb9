package engine

import (
	"math"

	"github.com/google/btree"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

const elementTreeDegree = 16

// element is one present index of a collection.
type element struct {
	index int32
	data  Data
}

func elementLess(a, b *element) bool { return a.index < b.index }

// Object is an instance of an ObjectType. Records hold one element per
// attribute; collections hold a sparse ordered map from index to element.
type Object struct {
	typ      *ObjectType
	attrs    []Data
	elems    *btree.BTreeG[*element]
	released bool
}

func newObject(t *ObjectType) *Object {
	obj := &Object{typ: t}
	if t.IsCollection() {
		obj.elems = btree.NewG(elementTreeDegree, elementLess)
	} else {
		obj.attrs = newData(len(t.attrs))
	}
	return obj
}

func (o *Object) check(fn string) error {
	if o == nil || o.released {
		return newError(KindInvalidHandle, fn, "check object", "object has been released")
	}
	return nil
}

func (o *Object) checkCollection(fn string) error {
	if err := o.check(fn); err != nil {
		return err
	}
	if !o.typ.IsCollection() {
		return newError(KindTypeMismatch, fn, "check collection", "%s is not a collection", o.typ.FullName())
	}
	return nil
}

func (o *Object) record(err error) error {
	if o == nil || o.typ == nil {
		return err
	}
	return o.typ.conn.record(err)
}

// Type returns the type of the object.
func (o *Object) Type() *ObjectType { return o.typ }

// attrIndex validates that attr belongs to the object's type.
func (o *Object) attrIndex(fn string, attr *ObjectAttr) (int, error) {
	if err := o.check(fn); err != nil {
		return 0, err
	}
	if o.typ.IsCollection() {
		return 0, newError(KindTypeMismatch, fn, "check attribute", "%s is a collection", o.typ.FullName())
	}
	if attr == nil || attr.owner != o.typ {
		name := "<nil>"
		if attr != nil {
			name = attr.Name
		}
		return 0, newError(KindTypeMismatch, fn, "check attribute",
			"attribute %s does not belong to %s", name, o.typ.FullName())
	}
	return attr.Position - 1, nil
}

// GetAttributeValue returns the value of attr, nil when null.
func (o *Object) GetAttributeValue(attr *ObjectAttr) (any, error) {
	i, err := o.attrIndex("Object.GetAttributeValue", attr)
	if err != nil {
		return nil, o.record(err)
	}
	return o.attrs[i].value(attr.Native), nil
}

// GetAttributeData returns a reference to the element holding attr.
func (o *Object) GetAttributeData(attr *ObjectAttr) (*Data, error) {
	i, err := o.attrIndex("Object.GetAttributeData", attr)
	if err != nil {
		return nil, o.record(err)
	}
	return &o.attrs[i], nil
}

// SetAttributeValue stores value in attr. Handles are referenced, not
// copied; the caller keeps ownership.
func (o *Object) SetAttributeValue(attr *ObjectAttr, value any) error {
	const fn = "Object.SetAttributeValue"
	i, err := o.attrIndex(fn, attr)
	if err != nil {
		return o.record(err)
	}
	if err := assign(fn, attr.spec(), &o.attrs[i], value); err != nil {
		return o.record(err)
	}
	return nil
}

// SetElementValueByIndex inserts or overwrites the element at index.
func (o *Object) SetElementValueByIndex(index int32, value any) error {
	const fn = "Object.SetElementValueByIndex"
	if err := o.checkCollection(fn); err != nil {
		return o.record(err)
	}
	var d Data
	d.IsNull = true
	if err := assign(fn, o.typ.elem, &d, value); err != nil {
		return o.record(err)
	}
	o.put(index, d)
	return nil
}

func (o *Object) put(index int32, d Data) {
	if old, ok := o.elems.ReplaceOrInsert(&element{index: index, data: d}); ok {
		old.data.clear()
	}
}

// GetElementValueByIndex returns the element at index, failing with
// KindOutOfBounds when no element is present there.
func (o *Object) GetElementValueByIndex(index int32) (any, error) {
	const fn = "Object.GetElementValueByIndex"
	if err := o.checkCollection(fn); err != nil {
		return nil, o.record(err)
	}
	e, ok := o.elems.Get(&element{index: index})
	if !ok {
		return nil, o.record(newError(KindOutOfBounds, fn, "find element", "no element at index %d", index))
	}
	return e.data.value(o.typ.elem.native), nil
}

// GetElementExistsByIndex reports whether an element is present at index.
func (o *Object) GetElementExistsByIndex(index int32) (bool, error) {
	if err := o.checkCollection("Object.GetElementExistsByIndex"); err != nil {
		return false, o.record(err)
	}
	return o.elems.Has(&element{index: index}), nil
}

// AppendElement adds value after the last present index, or at 0 when
// the collection is empty.
func (o *Object) AppendElement(value any) error {
	const fn = "Object.AppendElement"
	if err := o.checkCollection(fn); err != nil {
		return o.record(err)
	}
	var index int32
	if last, ok := o.elems.Max(); ok {
		if last.index == math.MaxInt32 {
			return o.record(newError(KindOutOfBounds, fn, "append element", "collection index space is exhausted"))
		}
		index = last.index + 1
	}
	var d Data
	d.IsNull = true
	if err := assign(fn, o.typ.elem, &d, value); err != nil {
		return o.record(err)
	}
	o.put(index, d)
	return nil
}

// DeleteElementByIndex removes the element at index. Traversal skips it
// afterwards.
func (o *Object) DeleteElementByIndex(index int32) error {
	const fn = "Object.DeleteElementByIndex"
	if err := o.checkCollection(fn); err != nil {
		return o.record(err)
	}
	old, ok := o.elems.Delete(&element{index: index})
	if !ok {
		return o.record(newError(KindOutOfBounds, fn, "delete element", "no element at index %d", index))
	}
	old.data.clear()
	return nil
}

// GetFirstIndex returns the smallest present index.
func (o *Object) GetFirstIndex() (int32, bool, error) {
	if err := o.checkCollection("Object.GetFirstIndex"); err != nil {
		return 0, false, o.record(err)
	}
	e, ok := o.elems.Min()
	if !ok {
		return 0, false, nil
	}
	return e.index, true, nil
}

// GetLastIndex returns the largest present index.
func (o *Object) GetLastIndex() (int32, bool, error) {
	if err := o.checkCollection("Object.GetLastIndex"); err != nil {
		return 0, false, o.record(err)
	}
	e, ok := o.elems.Max()
	if !ok {
		return 0, false, nil
	}
	return e.index, true, nil
}

// GetNextIndex returns the smallest present index greater than index.
func (o *Object) GetNextIndex(index int32) (int32, bool, error) {
	if err := o.checkCollection("Object.GetNextIndex"); err != nil {
		return 0, false, o.record(err)
	}
	if index == math.MaxInt32 {
		return 0, false, nil
	}
	var next *element
	o.elems.AscendGreaterOrEqual(&element{index: index + 1}, func(e *element) bool {
		next = e
		return false
	})
	if next == nil {
		return 0, false, nil
	}
	return next.index, true, nil
}

// GetPrevIndex returns the largest present index smaller than index.
func (o *Object) GetPrevIndex(index int32) (int32, bool, error) {
	if err := o.checkCollection("Object.GetPrevIndex"); err != nil {
		return 0, false, o.record(err)
	}
	if index == math.MinInt32 {
		return 0, false, nil
	}
	var prev *element
	o.elems.DescendLessOrEqual(&element{index: index - 1}, func(e *element) bool {
		prev = e
		return false
	})
	if prev == nil {
		return 0, false, nil
	}
	return prev.index, true, nil
}

// GetSize returns the number of present elements.
func (o *Object) GetSize() (int, error) {
	if err := o.checkCollection("Object.GetSize"); err != nil {
		return 0, o.record(err)
	}
	return o.elems.Len(), nil
}

// Trim removes the numToTrim elements with the largest indices.
func (o *Object) Trim(numToTrim int) error {
	const fn = "Object.Trim"
	if err := o.checkCollection(fn); err != nil {
		return o.record(err)
	}
	if numToTrim < 0 || numToTrim > o.elems.Len() {
		return o.record(newError(KindOutOfBounds, fn, "trim collection",
			"cannot trim %d of %d elements", numToTrim, o.elems.Len()))
	}
	for i := 0; i < numToTrim; i++ {
		if e, ok := o.elems.DeleteMax(); ok {
			e.data.clear()
		}
	}
	return nil
}

// Copy returns an independent object with the same values. Nested
// objects are copied; LOB and row id handles are shared.
func (o *Object) Copy() (*Object, error) {
	if err := o.check("Object.Copy"); err != nil {
		return nil, o.record(err)
	}
	return o.copy(), nil
}

func (o *Object) copy() *Object {
	cp := newObject(o.typ)
	copyData := func(d Data) Data {
		if d.Object != nil && !d.IsNull {
			d.Object = d.Object.copy()
			d.owned = true
			return d
		}
		if d.Bytes != nil {
			d.Bytes = append([]byte(nil), d.Bytes...)
		}
		d.owned = false
		return d
	}
	if o.elems != nil {
		o.elems.Ascend(func(e *element) bool {
			cp.elems.ReplaceOrInsert(&element{index: e.index, data: copyData(e.data)})
			return true
		})
	}
	for i := range o.attrs {
		cp.attrs[i] = copyData(o.attrs[i])
	}
	return cp
}

// Release frees the object and the nested objects it owns.
func (o *Object) Release() error {
	if err := o.check("Object.Release"); err != nil {
		return o.record(err)
	}
	if o.elems != nil {
		o.elems.Ascend(func(e *element) bool {
			e.data.clear()
			return true
		})
		o.elems.Clear(false)
	}
	for i := range o.attrs {
		o.attrs[i].clear()
	}
	o.released = true
	return nil
}

// toValue renders the object for the server.
func (o *Object) toValue() *types.ObjectValue {
	v := &types.ObjectValue{Type: o.typ.FullName()}
	if o.typ.IsCollection() {
		o.elems.Ascend(func(e *element) bool {
			v.Elements = append(v.Elements, types.IndexedValue{Index: e.index, Value: toHost(o.typ.elem, &e.data)})
			return true
		})
		return v
	}
	v.Attributes = make(map[string]any, len(o.typ.attrs))
	for i, a := range o.typ.attrs {
		v.Attributes[a.Name] = toHost(a.spec(), &o.attrs[i])
	}
	return v
}

// objectFromValue builds an object from a server value. Nested handles
// are owned by the new object.
func objectFromValue(fn string, t *ObjectType, v *types.ObjectValue) (*Object, error) {
	obj := newObject(t)
	c := t.conn
	if t.IsCollection() {
		for _, iv := range v.Elements {
			var d Data
			d.IsNull = true
			if err := c.fromHost(fn, t.elem, &d, iv.Value, nil); err != nil {
				obj.Release()
				return nil, err
			}
			obj.put(iv.Index, d)
		}
		return obj, nil
	}
	for i, a := range t.attrs {
		value, ok := v.Attributes[a.Name]
		if !ok {
			continue
		}
		if err := c.fromHost(fn, a.spec(), &obj.attrs[i], value, nil); err != nil {
			obj.Release()
			return nil, err
		}
	}
	return obj, nil
}
