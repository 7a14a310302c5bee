package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "id", Type: TypeInt64, PrimaryKey: true},
		{Name: "balance", Type: TypeFloat64},
		{Name: "active", Type: TypeBool},
		{Name: "name", Type: TypeChar, Length: 16},
	}}
}

func TestSchemaValidate(t *testing.T) {
	s := testSchema()
	if err := s.Validate(); err != nil {
		t.Fatalf("Valid schema rejected: %v", err)
	}

	noPK := Schema{Columns: []Column{{Name: "a", Type: TypeInt64}}}
	if err := noPK.Validate(); err == nil {
		t.Error("Expected error for schema without a primary key")
	}

	badPK := Schema{Columns: []Column{{Name: "a", Type: TypeFloat64, PrimaryKey: true}}}
	if err := badPK.Validate(); err == nil {
		t.Error("Expected error for non-int64 primary key")
	}

	dup := Schema{Columns: []Column{
		{Name: "a", Type: TypeInt64, PrimaryKey: true},
		{Name: "a", Type: TypeBool},
	}}
	if err := dup.Validate(); err == nil {
		t.Error("Expected error for duplicate column names")
	}
}

func TestRowEncodeDecode(t *testing.T) {
	s := testSchema()
	values := []interface{}{int64(42), 3.25, true, "alice"}

	row, err := s.EncodeRow(values)
	if err != nil {
		t.Fatalf("Failed to encode row: %v", err)
	}
	if len(row) != s.RowSize() {
		t.Fatalf("Expected row size %d, got %d", s.RowSize(), len(row))
	}
	if s.RowSize() != 8+8+1+16 {
		t.Errorf("Unexpected row size %d", s.RowSize())
	}

	decoded, err := s.DecodeRow(row)
	if err != nil {
		t.Fatalf("Failed to decode row: %v", err)
	}
	if decoded[0].(int64) != 42 || decoded[1].(float64) != 3.25 || decoded[2].(bool) != true || decoded[3].(string) != "alice" {
		t.Errorf("Round trip mismatch: %v", decoded)
	}

	pk, err := s.PrimaryKey(values)
	if err != nil {
		t.Fatalf("Failed to extract primary key: %v", err)
	}
	if pk != 42 {
		t.Errorf("Expected primary key 42, got %d", pk)
	}
}

func TestRowEncodeTypeMismatch(t *testing.T) {
	s := testSchema()

	if _, err := s.EncodeRow([]interface{}{int64(1), "not-a-float", true, "x"}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch, got %v", err)
	}
	if _, err := s.EncodeRow([]interface{}{int64(1)}); !errors.Is(err, ErrRowShape) {
		t.Errorf("Expected ErrRowShape, got %v", err)
	}
	if _, err := s.EncodeRow([]interface{}{int64(1), 1.0, true, "this-name-is-way-too-long"}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch for oversized string, got %v", err)
	}
}

func TestIndexKeyTypes(t *testing.T) {
	k1, err := IndexKey(Column{Name: "n", Type: TypeInt64}, int64(-1))
	if err != nil {
		t.Fatalf("IndexKey failed: %v", err)
	}
	if k1 != ^uint64(0) {
		t.Errorf("Expected all-ones key for -1, got %d", k1)
	}

	kt, _ := IndexKey(Column{Name: "b", Type: TypeBool}, true)
	kf, _ := IndexKey(Column{Name: "b", Type: TypeBool}, false)
	if kt != 1 || kf != 0 {
		t.Errorf("Unexpected bool keys: %d, %d", kt, kf)
	}

	ka, _ := IndexKey(Column{Name: "s", Type: TypeChar, Length: 8}, "alice")
	kb, _ := IndexKey(Column{Name: "s", Type: TypeChar, Length: 8}, "alice")
	kc, _ := IndexKey(Column{Name: "s", Type: TypeChar, Length: 8}, "bob")
	if ka != kb {
		t.Error("Same string must hash to the same key")
	}
	if ka == kc {
		t.Error("Different strings should hash to different keys")
	}
}

func TestCatalogPersistence(t *testing.T) {
	dir, err := os.MkdirTemp("", "catalog_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(dir)

	c := NewCatalog(dir)
	tbl, err := c.CreateTable("accounts", testSchema())
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if tbl.ID != 1 {
		t.Errorf("Expected table ID 1, got %d", tbl.ID)
	}

	if _, err := c.AddIndex("accounts", "by_name", "name"); err != nil {
		t.Fatalf("Failed to add index: %v", err)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Failed to save catalog: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, CatalogFileName)); err != nil {
		t.Fatalf("Catalog file missing: %v", err)
	}

	loaded, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}
	if loaded.DatabaseID != c.DatabaseID {
		t.Errorf("Database ID changed across reload: %s vs %s", loaded.DatabaseID, c.DatabaseID)
	}

	got, err := loaded.GetTable("accounts")
	if err != nil {
		t.Fatalf("Failed to look up table: %v", err)
	}
	if got.ID != 1 || len(got.Indexes) != 1 || got.Indexes[0].Column != "name" {
		t.Errorf("Unexpected loaded table: %+v", got)
	}

	if _, err := loaded.GetTableByID(1); err != nil {
		t.Errorf("Failed to look up table by ID: %v", err)
	}
	if _, err := loaded.GetTable("missing"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("Expected ErrTableNotFound, got %v", err)
	}
}

func TestCatalogDuplicateTable(t *testing.T) {
	dir, err := os.MkdirTemp("", "catalog_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(dir)

	c := NewCatalog(dir)
	if _, err := c.CreateTable("t", testSchema()); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := c.CreateTable("t", testSchema()); !errors.Is(err, ErrTableExists) {
		t.Errorf("Expected ErrTableExists, got %v", err)
	}

	if _, err := c.AddIndex("t", "by_name", "nope"); err == nil {
		t.Error("Expected error indexing a missing column")
	}
	if _, err := c.AddIndex("t", "by_name", "name"); err != nil {
		t.Fatalf("Failed to add index: %v", err)
	}
	if _, err := c.AddIndex("t", "by_name", "name"); !errors.Is(err, ErrIndexExists) {
		t.Errorf("Expected ErrIndexExists, got %v", err)
	}
}
