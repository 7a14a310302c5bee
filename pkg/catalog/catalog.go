package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const CatalogFileName = "CATALOG"

var (
	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
)

// IndexDef describes a secondary index over a single column.
type IndexDef struct {
	Name   string `json:"name"`
	Column string `json:"column"`
}

// Table is a named schema with a stable numeric ID and its secondary indexes.
type Table struct {
	ID      uint32     `json:"id"`
	Name    string     `json:"name"`
	Schema  Schema     `json:"schema"`
	Indexes []IndexDef `json:"indexes,omitempty"`
}

// IndexOn returns the index definition for the named index, or nil.
func (t *Table) IndexOn(name string) *IndexDef {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i]
		}
	}
	return nil
}

// Catalog is the persisted table registry for one database directory. Table
// IDs are allocated once and never reused; heap segments reference them.
type Catalog struct {
	mu sync.RWMutex

	DatabaseID  string            `json:"database_id"`
	NextTableID uint32            `json:"next_table_id"`
	Tables      map[string]*Table `json:"tables"`

	path string
}

// NewCatalog creates an empty catalog rooted at dbDir.
func NewCatalog(dbDir string) *Catalog {
	return &Catalog{
		DatabaseID:  uuid.New().String(),
		NextTableID: 1,
		Tables:      make(map[string]*Table),
		path:        filepath.Join(dbDir, CatalogFileName),
	}
}

// LoadCatalog reads the catalog file under dbDir, creating a fresh catalog if
// none exists yet.
func LoadCatalog(dbDir string) (*Catalog, error) {
	path := filepath.Join(dbDir, CatalogFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewCatalog(dbDir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	c := &Catalog{path: path}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if c.Tables == nil {
		c.Tables = make(map[string]*Table)
	}
	for name, tbl := range c.Tables {
		if err := tbl.Schema.Validate(); err != nil {
			return nil, fmt.Errorf("table %q: %w", name, err)
		}
	}
	return c, nil
}

// Save writes the catalog atomically via a temp file and rename.
func (c *Catalog) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}

	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp catalog file: %w", err)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		return fmt.Errorf("failed to rename temp catalog file: %w", err)
	}
	return nil
}

// CreateTable registers a new table and allocates its ID. The caller is
// responsible for persisting the catalog afterwards.
func (c *Catalog) CreateTable(name string, schema Schema) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.Tables[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrTableExists, name)
	}

	tbl := &Table{
		ID:     c.NextTableID,
		Name:   name,
		Schema: schema,
	}
	c.NextTableID++
	c.Tables[name] = tbl
	return tbl, nil
}

// GetTable looks up a table by name.
func (c *Catalog) GetTable(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tbl, ok := c.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return tbl, nil
}

// GetTableByID looks up a table by its numeric ID.
func (c *Catalog) GetTableByID(id uint32) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, tbl := range c.Tables {
		if tbl.ID == id {
			return tbl, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrTableNotFound, id)
}

// TableNames returns all table names.
func (c *Catalog) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	return names
}

// AddIndex registers a secondary index definition on an existing table.
func (c *Catalog) AddIndex(tableName, indexName, column string) (*IndexDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tbl, ok := c.Tables[tableName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, tableName)
	}
	if tbl.Schema.ColumnIndex(column) < 0 {
		return nil, fmt.Errorf("%w: no column %q in table %q", ErrInvalidSchema, column, tableName)
	}
	for _, idx := range tbl.Indexes {
		if idx.Name == indexName {
			return nil, fmt.Errorf("%w: %q", ErrIndexExists, indexName)
		}
	}

	def := IndexDef{Name: indexName, Column: column}
	tbl.Indexes = append(tbl.Indexes, def)
	return &def, nil
}
