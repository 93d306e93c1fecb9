package engine

import (
	"context"
	"testing"

	"github.com/tomyedwab/sqlvar/sqlproxy/host"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

func createTypes(t *testing.T, h *host.SQLHost) {
	t.Helper()
	ctx := context.Background()
	for _, info := range []types.ObjectTypeInfo{
		{Name: "INT_LIST", IsCollection: true, ElementType: "INTEGER"},
		{Name: "POINT", Attributes: []types.AttributeInfo{
			{Name: "X", DeclType: "INTEGER"},
			{Name: "LABEL", DeclType: "VARCHAR2(10)"},
		}},
		{Name: "OTHER", Attributes: []types.AttributeInfo{{Name: "X", DeclType: "INTEGER"}}},
	} {
		if err := h.CreateObjectType(ctx, info); err != nil {
			t.Fatalf("CreateObjectType(%s) returned error: %v", info.Name, err)
		}
	}
}

func collectIndexes(t *testing.T, obj *Object) []int32 {
	t.Helper()
	var indexes []int32
	index, ok, err := obj.GetFirstIndex()
	for ok {
		if err != nil {
			t.Fatalf("Traversal returned error: %v", err)
		}
		indexes = append(indexes, index)
		index, ok, err = obj.GetNextIndex(index)
	}
	if err != nil {
		t.Fatalf("Traversal returned error: %v", err)
	}
	return indexes
}

func equalIndexes(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSparseCollectionTraversal(t *testing.T) {
	h, conn := setupTestConn(t)
	createTypes(t, h)
	typ, err := conn.GetObjectType(context.Background(), "int_list")
	if err != nil {
		t.Fatalf("GetObjectType returned error: %v", err)
	}
	if !typ.IsCollection() || typ.Info().ElementShape != ShapeNumber {
		t.Fatalf("Unexpected type info %+v", typ.Info())
	}
	obj, err := typ.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject returned error: %v", err)
	}

	for _, index := range []int32{5, 1, 100, -3} {
		if err := obj.SetElementValueByIndex(index, int64(index)*10); err != nil {
			t.Fatalf("SetElementValueByIndex(%d) returned error: %v", index, err)
		}
	}
	if got := collectIndexes(t, obj); !equalIndexes(got, []int32{-3, 1, 5, 100}) {
		t.Errorf("Expected ascending traversal, got %v", got)
	}
	if size, _ := obj.GetSize(); size != 4 {
		t.Errorf("Expected 4 elements, got %d", size)
	}

	if err := obj.DeleteElementByIndex(1); err != nil {
		t.Fatalf("DeleteElementByIndex returned error: %v", err)
	}
	if got := collectIndexes(t, obj); !equalIndexes(got, []int32{-3, 5, 100}) {
		t.Errorf("Expected deleted index to be skipped, got %v", got)
	}
	if _, err := obj.GetElementValueByIndex(1); !IsOutOfBoundsError(err) {
		t.Errorf("Expected OutOfBounds for a deleted element, got %v", err)
	}
	if exists, _ := obj.GetElementExistsByIndex(1); exists {
		t.Error("Expected deleted element to be absent")
	}

	if prev, ok, _ := obj.GetPrevIndex(100); !ok || prev != 5 {
		t.Errorf("Expected previous index 5, got %d (%v)", prev, ok)
	}
	if _, ok, _ := obj.GetNextIndex(100); ok {
		t.Error("Expected no index after the last one")
	}
	if last, _, _ := obj.GetLastIndex(); last != 100 {
		t.Errorf("Expected last index 100, got %d", last)
	}

	if err := obj.AppendElement(int64(7)); err != nil {
		t.Fatalf("AppendElement returned error: %v", err)
	}
	if value, err := obj.GetElementValueByIndex(101); err != nil || value != int64(7) {
		t.Errorf("Expected appended value at 101, got %v (%v)", value, err)
	}
	if err := obj.Trim(2); err != nil {
		t.Fatalf("Trim returned error: %v", err)
	}
	if got := collectIndexes(t, obj); !equalIndexes(got, []int32{-3, 5}) {
		t.Errorf("Expected trim to remove the highest indexes, got %v", got)
	}

	dup, err := obj.Copy()
	if err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	obj.SetElementValueByIndex(5, int64(0))
	if value, _ := dup.GetElementValueByIndex(5); value != int64(50) {
		t.Errorf("Expected an independent copy, got %v", value)
	}

	obj.Release()
	if _, err := obj.GetSize(); !IsInvalidHandleError(err) {
		t.Errorf("Expected InvalidHandle after Release, got %v", err)
	}
}

func TestRecordAttributes(t *testing.T) {
	h, conn := setupTestConn(t)
	createTypes(t, h)
	ctx := context.Background()
	point, err := conn.GetObjectType(ctx, "point")
	if err != nil {
		t.Fatalf("GetObjectType returned error: %v", err)
	}
	other, err := conn.GetObjectType(ctx, "other")
	if err != nil {
		t.Fatalf("GetObjectType returned error: %v", err)
	}
	x, err := point.Attribute("x")
	if err != nil {
		t.Fatalf("Attribute returned error: %v", err)
	}
	label, _ := point.Attribute("LABEL")
	if x.Owner() != point || label.Position != 2 {
		t.Errorf("Unexpected attributes %+v %+v", x, label)
	}

	obj, _ := point.CreateObject()
	if err := obj.SetAttributeValue(x, int64(3)); err != nil {
		t.Fatalf("SetAttributeValue returned error: %v", err)
	}
	if err := obj.SetAttributeValue(label, "three"); err != nil {
		t.Fatalf("SetAttributeValue returned error: %v", err)
	}
	if value, _ := obj.GetAttributeValue(x); value != int64(3) {
		t.Errorf("Expected 3, got %v", value)
	}
	foreign, _ := other.Attribute("X")
	if _, err := obj.GetAttributeValue(foreign); !IsTypeMismatchError(err) {
		t.Errorf("Expected TypeMismatch for a foreign attribute, got %v", err)
	}
	if err := obj.SetElementValueByIndex(0, int64(1)); !IsTypeMismatchError(err) {
		t.Errorf("Expected TypeMismatch for element access on a record, got %v", err)
	}

	// Objects round trip through a table column of the type
	mustExec(t, conn, "create table shapes (p POINT)").Release()
	v, err := conn.NewVar(VarParams{Shape: ShapeObject, ObjectType: point})
	if err != nil {
		t.Fatalf("NewVar returned error: %v", err)
	}
	if err := v.SetFromObject(0, obj); err != nil {
		t.Fatalf("SetFromObject returned error: %v", err)
	}
	stmt, _ := conn.Prepare(ctx, "insert into shapes (p) values (:p)")
	if err := stmt.BindByName(":p", v); err != nil {
		t.Fatalf("BindByName returned error: %v", err)
	}
	if _, err := stmt.Execute(ctx, ExecCommitOnSuccess); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	query := mustExec(t, conn, "select p from shapes")
	info, _ := query.QueryInfo(1)
	if info.Shape != ShapeObject || info.ObjectType != point {
		t.Fatalf("Unexpected column info %+v", info)
	}
	found, _, err := query.Fetch(ctx)
	if err != nil || !found {
		t.Fatalf("Fetch returned %v, %v", found, err)
	}
	native, data, _ := query.QueryValue(1)
	if native != NativeObject || data.Object == nil {
		t.Fatalf("Expected an object, got %s %+v", native, data)
	}
	if value, _ := data.Object.GetAttributeValue(label); string(value.([]byte)) != "three" {
		t.Errorf("Expected label three, got %v", value)
	}
}
