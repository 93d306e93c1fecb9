package engine

import (
	"context"
	"strings"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// codeNoSuchType is the server code for a type name that does not exist.
const codeNoSuchType = 4043

// ObjectType describes a named record or collection type. Types are
// loaded once per connection and shared by every object of the type.
type ObjectType struct {
	conn  *Conn
	info  *types.ObjectTypeInfo
	attrs []*ObjectAttr
	elem  elemSpec // Collections only
}

// ObjectAttr is one attribute of a record type.
type ObjectAttr struct {
	Name       string
	Position   int // 1-based
	DeclType   string
	Shape      Shape
	Native     NativeType
	ObjectType *ObjectType // Set for object valued attributes

	owner *ObjectType
}

// ObjectTypeInfo summarizes an object type.
type ObjectTypeInfo struct {
	Schema        string
	Name          string
	IsCollection  bool
	NumAttributes int
	// Element* describe collection elements.
	ElementShape      Shape
	ElementNative     NativeType
	ElementObjectType *ObjectType
}

// GetObjectType looks up a type by name, qualified with a schema or not.
func (c *Conn) GetObjectType(ctx context.Context, name string) (*ObjectType, error) {
	const fn = "Conn.GetObjectType"
	if err := c.check(fn); err != nil {
		return nil, err
	}
	typ, err := c.loadObjectType(ctx, fn, name)
	if err != nil {
		return nil, c.record(err)
	}
	return typ, nil
}

// objectType resolves a type named by a fetched value.
func (c *Conn) objectType(name string) (*ObjectType, error) {
	return c.loadObjectType(context.Background(), "Conn.GetObjectType", name)
}

func (c *Conn) loadObjectType(ctx context.Context, fn, name string) (*ObjectType, error) {
	if typ, ok := c.objectTypes[strings.ToUpper(name)]; ok {
		return typ, nil
	}
	info, err := c.server.ObjectType(ctx, name)
	if err != nil {
		return nil, serverRejected(fn, "describe type", err)
	}
	if typ, ok := c.objectTypes[info.FullName()]; ok {
		c.objectTypes[strings.ToUpper(name)] = typ
		return typ, nil
	}

	typ := &ObjectType{conn: c, info: info}
	// Cached before attributes resolve so recursive types terminate.
	c.objectTypes[info.FullName()] = typ
	c.objectTypes[strings.ToUpper(name)] = typ
	forget := func() {
		delete(c.objectTypes, info.FullName())
		delete(c.objectTypes, strings.ToUpper(name))
	}

	if info.IsCollection {
		typ.elem, err = c.specForDecl(ctx, fn, info.ElementType)
		if err != nil {
			forget()
			return nil, err
		}
		return typ, nil
	}
	for _, a := range info.Attributes {
		spec, err := c.specForDecl(ctx, fn, a.DeclType)
		if err != nil {
			forget()
			return nil, err
		}
		typ.attrs = append(typ.attrs, &ObjectAttr{
			Name:       a.Name,
			Position:   a.Position,
			DeclType:   a.DeclType,
			Shape:      spec.shape,
			Native:     spec.native,
			ObjectType: spec.objType,
			owner:      typ,
		})
	}
	c.logger.Debug("Object type loaded", "type", info.FullName(), "attributes", len(typ.attrs))
	return typ, nil
}

// specForDecl negotiates the element type for a declared type name. A
// name that is not a known object type is treated as text.
func (c *Conn) specForDecl(ctx context.Context, fn, declName string) (elemSpec, error) {
	decl := types.ParseDeclType(declName)
	shape, native := shapeForDecl(decl)
	spec := elemSpec{shape: shape, native: native}
	if shape != ShapeObject {
		return spec, nil
	}
	typ, err := c.loadObjectType(ctx, fn, decl.Name)
	if e, ok := err.(*Error); ok && e.Code == codeNoSuchType {
		return elemSpec{shape: ShapeVarchar, native: NativeBytes}, nil
	} else if err != nil {
		return spec, err
	}
	spec.objType = typ
	return spec, nil
}

func (t *ObjectType) check(fn string) error {
	if t == nil || t.conn == nil || t.conn.closed {
		return newError(KindInvalidHandle, fn, "check object type", "object type is no longer valid")
	}
	return nil
}

// Schema returns the schema the type belongs to.
func (t *ObjectType) Schema() string { return t.info.Schema }

// Name returns the unqualified type name.
func (t *ObjectType) Name() string { return t.info.Name }

// FullName returns SCHEMA.NAME.
func (t *ObjectType) FullName() string { return t.info.FullName() }

// IsCollection reports whether objects of the type are collections.
func (t *ObjectType) IsCollection() bool { return t.info.IsCollection }

// Info summarizes the type.
func (t *ObjectType) Info() ObjectTypeInfo {
	return ObjectTypeInfo{
		Schema:            t.info.Schema,
		Name:              t.info.Name,
		IsCollection:      t.info.IsCollection,
		NumAttributes:     len(t.attrs),
		ElementShape:      t.elem.shape,
		ElementNative:     t.elem.native,
		ElementObjectType: t.elem.objType,
	}
}

// Attributes returns the attributes of a record type in declared order.
func (t *ObjectType) Attributes() []*ObjectAttr {
	return append([]*ObjectAttr(nil), t.attrs...)
}

// Attribute returns the attribute called name.
func (t *ObjectType) Attribute(name string) (*ObjectAttr, error) {
	for _, a := range t.attrs {
		if strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return nil, t.conn.record(newError(KindTypeMismatch, "ObjectType.Attribute", "find attribute",
		"%s has no attribute %s", t.FullName(), name))
}

// Owner returns the type the attribute belongs to.
func (a *ObjectAttr) Owner() *ObjectType { return a.owner }

func (a *ObjectAttr) spec() elemSpec {
	return elemSpec{shape: a.Shape, native: a.Native, objType: a.ObjectType}
}

// CreateObject constructs an object of the type: records with every
// attribute null, collections empty.
func (t *ObjectType) CreateObject() (*Object, error) {
	const fn = "ObjectType.CreateObject"
	if err := t.check(fn); err != nil {
		return nil, err
	}
	return newObject(t), nil
}
