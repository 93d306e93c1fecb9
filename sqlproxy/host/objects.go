package host

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// CreateObjectType adds a record or collection type to the catalog.
// Attribute and element declared types may name other object types.
func (h *SQLHost) CreateObjectType(ctx context.Context, info types.ObjectTypeInfo) error {
	info.Schema, info.Name = h.qualify(qualifiedName(info.Schema, info.Name))
	if info.IsCollection && info.ElementType == "" {
		return fmt.Errorf("collection type %s needs an element type", info.FullName())
	}
	if !info.IsCollection && len(info.Attributes) == 0 {
		return fmt.Errorf("record type %s needs attributes", info.FullName())
	}

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO _object_types (schema_name, name, is_collection, element_type)
		VALUES (:schema_name, :name, :is_collection, :element_type)`, &info)
	if err != nil {
		return fmt.Errorf("failed to create type %s: %w", info.FullName(), err)
	}
	for i := range info.Attributes {
		attr := info.Attributes[i]
		attr.TypeName = info.FullName()
		attr.Position = i + 1
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO _object_attributes (type_name, position, name, decl_type)
			VALUES (:type_name, :position, :name, :decl_type)`, &attr)
		if err != nil {
			return fmt.Errorf("failed to create attribute %s of %s: %w", attr.Name, info.FullName(), err)
		}
	}
	return tx.Commit()
}

func qualifiedName(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// ObjectType looks up a type by name, qualified or not.
func (h *SQLHost) ObjectType(ctx context.Context, name string) (*types.ObjectTypeInfo, error) {
	schema, typeName := h.qualify(name)
	key := schema + "." + typeName

	h.mu.Lock()
	cached, ok := h.objectTypes[key]
	h.mu.Unlock()
	if ok {
		return cached, nil
	}

	var info types.ObjectTypeInfo
	err := h.db.GetContext(ctx, &info, `
		SELECT schema_name, name, is_collection, element_type
		FROM _object_types WHERE schema_name = $1 AND name = $2`, schema, typeName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.ServerError{Code: 4043, Message: fmt.Sprintf("object %s does not exist", key)}
	}
	if err != nil {
		return nil, err
	}
	err = h.db.SelectContext(ctx, &info.Attributes, `
		SELECT type_name, position, name, decl_type
		FROM _object_attributes WHERE type_name = $1 ORDER BY position`, key)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.objectTypes[key] = &info
	h.mu.Unlock()
	return &info, nil
}

// lookupObjectType is ObjectType for declared column types that may or may
// not name an object type.
func (h *SQLHost) lookupObjectType(ctx context.Context, decl types.DeclType) *types.ObjectTypeInfo {
	if decl.Family != types.FamilyNamed {
		return nil
	}
	info, err := h.ObjectType(ctx, decl.Name)
	if err != nil {
		return nil
	}
	return info
}

// encodeObject renders an instance for storage in a column.
func encodeObject(obj *types.ObjectValue) (string, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// decodeObject parses a stored instance and restores attribute types from
// the catalog.
func (h *SQLHost) decodeObject(ctx context.Context, info *types.ObjectTypeInfo, raw any) (*types.ObjectValue, error) {
	var body []byte
	switch v := raw.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		return nil, fmt.Errorf("cannot decode %s from %T", info.FullName(), raw)
	}
	// Numbers stay as json.Number so 64-bit integers survive.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj types.ObjectValue
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", info.FullName(), err)
	}
	if err := h.normalizeObject(ctx, info, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (h *SQLHost) normalizeObject(ctx context.Context, info *types.ObjectTypeInfo, obj *types.ObjectValue) error {
	obj.Type = info.FullName()
	if info.IsCollection {
		decl := types.ParseDeclType(info.ElementType)
		for i := range obj.Elements {
			v, err := h.normalizeValue(ctx, decl, obj.Elements[i].Value)
			if err != nil {
				return err
			}
			obj.Elements[i].Value = v
		}
		return nil
	}
	for _, attr := range info.Attributes {
		raw, ok := obj.Attributes[attr.Name]
		if !ok {
			continue
		}
		v, err := h.normalizeValue(ctx, types.ParseDeclType(attr.DeclType), raw)
		if err != nil {
			return fmt.Errorf("attribute %s of %s: %w", attr.Name, info.FullName(), err)
		}
		obj.Attributes[attr.Name] = v
	}
	return nil
}

// normalizeValue converts a JSON decoded value to the Go type used for
// the declared type.
func (h *SQLHost) normalizeValue(ctx context.Context, decl types.DeclType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch decl.Family {
	case types.FamilyInteger:
		switch n := v.(type) {
		case json.Number:
			return strconv.ParseInt(n.String(), 10, 64)
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case types.FamilyNumber:
		switch n := v.(type) {
		case json.Number:
			return decimal.NewFromString(n.String())
		case string:
			return decimal.NewFromString(n)
		}
	case types.FamilyFloat:
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case string:
			return strconv.ParseFloat(n, 64)
		}
	case types.FamilyDate, types.FamilyTimestamp:
		if s, ok := v.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	case types.FamilyRaw, types.FamilyLongRaw:
		if s, ok := v.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	case types.FamilyBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case types.FamilyNamed:
		nested := h.lookupObjectType(ctx, decl)
		if nested == nil {
			break
		}
		body, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return h.decodeObject(ctx, nested, body)
	}
	if n, ok := v.(json.Number); ok {
		return plainNumber(n), nil
	}
	return v, nil
}

// plainNumber converts a number of an untyped value to int64 when it is
// integral and float64 otherwise.
func plainNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}
