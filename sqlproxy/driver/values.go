package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tomyedwab/sqlvar/engine"
)

// outVar allocates the variable for an OUT destination, seeded with the
// destination's value when out.In is set.
func (s *Stmt) outVar(out sql.Out) (*engine.Var, error) {
	params := engine.VarParams{Capacity: 1}
	var in []any
	switch d := out.Dest.(type) {
	case *int64:
		params.Shape, in = engine.ShapeNativeInt, []any{*d}
	case *int:
		params.Shape, in = engine.ShapeNativeInt, []any{*d}
	case *float64:
		params.Shape, in = engine.ShapeNativeDouble, []any{*d}
	case *string:
		params.Shape, in = engine.ShapeVarchar, []any{*d}
	case *[]byte:
		params.Shape, in = engine.ShapeRaw, []any{*d}
	case *time.Time:
		params.Shape, in = engine.ShapeTimestamp, []any{*d}
	case *bool:
		params.Shape, in = engine.ShapeBoolean, []any{*d}
	case *decimal.Decimal:
		params.Shape, params.Native, in = engine.ShapeNumber, engine.NativeBytes, []any{*d}
	case *driver.Rows:
		params.Shape = engine.ShapeCursor
	case *[]int64:
		params.Shape, params.IsArray, params.Growable = engine.ShapeNativeInt, true, true
		for _, v := range *d {
			in = append(in, v)
		}
	case *[]float64:
		params.Shape, params.IsArray, params.Growable = engine.ShapeNativeDouble, true, true
		for _, v := range *d {
			in = append(in, v)
		}
	case *[]string:
		params.Shape, params.IsArray, params.Growable = engine.ShapeVarchar, true, true
		for _, v := range *d {
			in = append(in, v)
		}
	default:
		return nil, fmt.Errorf("unsupported OUT destination %T", out.Dest)
	}
	if params.IsArray && len(in) > 0 {
		params.Capacity = len(in)
	}

	v, err := s.conn.conn.NewVar(params)
	if err != nil {
		return nil, err
	}
	if !out.In {
		return v, nil
	}
	if params.IsArray {
		if err := v.SetNumElementsInArray(len(in)); err != nil {
			v.Release()
			return nil, err
		}
	}
	for i, value := range in {
		if err := v.SetValue(i, value); err != nil {
			v.Release()
			return nil, err
		}
	}
	return v, nil
}

// storeOuts copies OUT variables to their destinations. Nulls store the
// zero value.
func (s *Stmt) storeOuts(ctx context.Context, outs []outBind) error {
	for _, out := range outs {
		d, err := out.v.Element(0)
		if err != nil {
			return fmt.Errorf("sqlvar: read OUT value failed: %w", err)
		}
		switch dest := out.dest.(type) {
		case *int64:
			*dest = d.Int64
		case *int:
			*dest = int(d.Int64)
		case *float64:
			*dest = d.Double
		case *string:
			*dest = string(d.Bytes)
		case *[]byte:
			*dest = append([]byte(nil), d.Bytes...)
		case *time.Time:
			*dest = d.Timestamp
		case *bool:
			*dest = d.Bool
		case *decimal.Decimal:
			*dest = decimal.Zero
			if !d.IsNull {
				if *dest, err = decimal.NewFromString(string(d.Bytes)); err != nil {
					return fmt.Errorf("sqlvar: read OUT value failed: %w", err)
				}
			}
		case *driver.Rows:
			*dest = nil
			if !d.IsNull && d.Stmt != nil {
				r, err := newRows(ctx, nil, d.Stmt)
				if err != nil {
					return err
				}
				*dest = r
			}
		case *[]int64, *[]float64, *[]string:
			if err := storeArray(out.v, dest); err != nil {
				return err
			}
		}
		if d.IsNull {
			switch dest := out.dest.(type) {
			case *int64:
				*dest = 0
			case *int:
				*dest = 0
			case *float64:
				*dest = 0
			case *string:
				*dest = ""
			case *[]byte:
				*dest = nil
			case *time.Time:
				*dest = time.Time{}
			case *bool:
				*dest = false
			}
		}
	}
	return nil
}

func storeArray(v *engine.Var, dest any) error {
	n, err := v.NumElementsInArray()
	if err != nil {
		return fmt.Errorf("sqlvar: read OUT array failed: %w", err)
	}
	data, err := v.Data()
	if err != nil {
		return fmt.Errorf("sqlvar: read OUT array failed: %w", err)
	}
	switch dest := dest.(type) {
	case *[]int64:
		*dest = make([]int64, n)
		for i := 0; i < n; i++ {
			(*dest)[i] = data[i].Int64
		}
	case *[]float64:
		*dest = make([]float64, n)
		for i := 0; i < n; i++ {
			(*dest)[i] = data[i].Double
		}
	case *[]string:
		*dest = make([]string, n)
		for i := 0; i < n; i++ {
			(*dest)[i] = string(data[i].Bytes)
		}
	}
	return nil
}

// driverValue converts a fetched element to a value database/sql can
// scan. LOB content is read in full; objects are copied so they outlive
// the fetch buffer.
func driverValue(ctx context.Context, shape engine.Shape, native engine.NativeType, d *engine.Data) (driver.Value, error) {
	if d.IsNull {
		return nil, nil
	}
	switch native {
	case engine.NativeInt64:
		return d.Int64, nil
	case engine.NativeDouble:
		return d.Double, nil
	case engine.NativeBytes:
		if shape == engine.ShapeRaw || shape == engine.ShapeLongRaw {
			return append([]byte(nil), d.Bytes...), nil
		}
		return string(d.Bytes), nil
	case engine.NativeTimestamp:
		return d.Timestamp, nil
	case engine.NativeBoolean:
		return d.Bool, nil
	case engine.NativeRowid:
		str, err := d.Rowid.StringValue()
		if err != nil {
			return nil, fmt.Errorf("sqlvar: read row id failed: %w", err)
		}
		return str, nil
	case engine.NativeLob:
		return lobValue(ctx, d.Lob)
	case engine.NativeObject:
		obj, err := d.Object.Copy()
		if err != nil {
			return nil, fmt.Errorf("sqlvar: copy object failed: %w", err)
		}
		return obj, nil
	case engine.NativeStmt:
		return newRows(ctx, nil, d.Stmt)
	}
	return nil, fmt.Errorf("sqlvar: cannot convert %s value", native)
}

func lobValue(ctx context.Context, lob *engine.Lob) (driver.Value, error) {
	size, err := lob.GetSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlvar: read LOB failed: %w", err)
	}
	var content []byte
	if size > 0 {
		if content, err = lob.ReadBytes(ctx, 1, size); err != nil {
			return nil, fmt.Errorf("sqlvar: read LOB failed: %w", err)
		}
	}
	if lob.Shape() == engine.ShapeClob || lob.Shape() == engine.ShapeNClob {
		return string(content), nil
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}
