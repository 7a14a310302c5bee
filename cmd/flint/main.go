package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/flintdb/flint/pkg/catalog"
	"github.com/flintdb/flint/pkg/config"
	"github.com/flintdb/flint/pkg/engine"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem(".checkpoint"),
	readline.PcItem(".tables"),
	readline.PcItem("CREATE",
		readline.PcItem("TABLE"),
		readline.PcItem("INDEX"),
	),
	readline.PcItem("INSERT",
		readline.PcItem("INTO"),
	),
	readline.PcItem("UPDATE"),
	readline.PcItem("DELETE",
		readline.PcItem("FROM"),
	),
	readline.PcItem("GET"),
	readline.PcItem("SCAN"),
	readline.PcItem("LOOKUP"),
)

const helpText = `
Flint - a log-structured segmented heap storage engine.

Usage:
  flint [options] [database_path]   - Start with an optional database path

Options:
  -config string          - Load engine settings from a YAML file

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open a database at PATH
  .close                  - Close the current database
  .exit                   - Exit the program
  .stats                  - Show engine statistics
  .flush                  - Force flush all memtables to the heap
  .checkpoint             - Flush everything and rotate the WAL
  .tables                 - List tables

  CREATE TABLE name col:type[:pk] ...   - Create a table
                            types: int64, float64, bool, char(N)
  CREATE INDEX name ON table column     - Create a secondary index

  INSERT INTO table v1 v2 ...           - Insert a row (values in column order)
  UPDATE table v1 v2 ...                - Replace the row with the same key
  DELETE FROM table key                 - Delete a row by primary key
  GET table key                         - Read a row by primary key
  SCAN table                            - List all rows in key order
  LOOKUP table index value              - Rows matching an indexed value
`

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	var eng *engine.Engine
	var dbPath string

	if flag.NArg() > 0 {
		dbPath = flag.Arg(0)
		var err error
		eng, err = openEngine(dbPath, *configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("Opened database at %s\n", dbPath)
		defer eng.Close()
	}

	runInteractive(eng, dbPath)
}

func openEngine(dbPath, configPath string) (*engine.Engine, error) {
	if configPath == "" {
		return engine.Open(dbPath)
	}
	cfg, err := config.LoadConfigFromFile(configPath, dbPath)
	if err != nil {
		return nil, err
	}
	return engine.OpenWithConfig(dbPath, cfg)
}

func runInteractive(eng *engine.Engine, dbPath string) {
	fmt.Println("Flint interactive shell")
	fmt.Println("Type .help for commands, .exit to quit")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "flint> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".flint_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			done, next := handleMeta(eng, dbPath, line)
			if done {
				break
			}
			if next != nil {
				eng = next
			}
			continue
		}

		if eng == nil {
			fmt.Println("No database open. Use .open PATH")
			continue
		}
		if err := handleStatement(eng, line); err != nil {
			fmt.Printf("Error: %s\n", err)
		}
	}

	fmt.Println("Goodbye!")
}

// handleMeta processes dot-commands. Returns done=true to exit the shell and
// a non-nil engine when .open succeeded.
func handleMeta(eng *engine.Engine, dbPath, line string) (bool, *engine.Engine) {
	parts := strings.Fields(line)
	switch parts[0] {
	case ".help":
		fmt.Print(helpText)
	case ".exit":
		if eng != nil {
			eng.Close()
		}
		return true, nil
	case ".open":
		if len(parts) < 2 {
			fmt.Println("Usage: .open PATH")
			return false, nil
		}
		if eng != nil {
			eng.Close()
		}
		next, err := engine.Open(parts[1])
		if err != nil {
			fmt.Printf("Error opening database: %s\n", err)
			return false, nil
		}
		fmt.Printf("Opened database at %s\n", parts[1])
		return false, next
	case ".close":
		if eng == nil {
			fmt.Println("No database open")
			return false, nil
		}
		eng.Close()
		fmt.Println("Database closed")
		return false, nil
	case ".stats":
		if eng == nil {
			fmt.Println("No database open")
			return false, nil
		}
		for k, v := range eng.Stats() {
			fmt.Printf("%s: %v\n", k, v)
		}
	case ".flush":
		if eng == nil {
			fmt.Println("No database open")
			return false, nil
		}
		if err := eng.FlushAll(); err != nil {
			fmt.Printf("Error flushing: %s\n", err)
		} else {
			fmt.Println("Flushed all tables")
		}
	case ".checkpoint":
		if eng == nil {
			fmt.Println("No database open")
			return false, nil
		}
		if err := eng.Checkpoint(); err != nil {
			fmt.Printf("Error checkpointing: %s\n", err)
		} else {
			fmt.Println("Checkpoint complete")
		}
	case ".tables":
		if eng == nil {
			fmt.Println("No database open")
			return false, nil
		}
		for _, name := range eng.Tables() {
			fmt.Println(name)
		}
	default:
		fmt.Printf("Unknown command: %s\n", parts[0])
	}
	return false, nil
}

func handleStatement(eng *engine.Engine, line string) error {
	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "CREATE":
		return handleCreate(eng, parts)
	case "INSERT":
		if len(parts) < 3 || strings.ToUpper(parts[1]) != "INTO" {
			return fmt.Errorf("usage: INSERT INTO table v1 v2 ...")
		}
		return writeRow(eng, parts[2], parts[3:], eng.Insert)
	case "UPDATE":
		if len(parts) < 3 {
			return fmt.Errorf("usage: UPDATE table v1 v2 ...")
		}
		return writeRow(eng, parts[1], parts[2:], eng.Update)
	case "DELETE":
		if len(parts) != 4 || strings.ToUpper(parts[1]) != "FROM" {
			return fmt.Errorf("usage: DELETE FROM table key")
		}
		key, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		return eng.Delete(parts[2], key)
	case "GET":
		if len(parts) != 3 {
			return fmt.Errorf("usage: GET table key")
		}
		key, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		values, err := eng.Get(parts[1], key)
		if err != nil {
			return err
		}
		printRow(values)
		return nil
	case "SCAN":
		if len(parts) != 2 {
			return fmt.Errorf("usage: SCAN table")
		}
		it, err := eng.Scan(parts[1])
		if err != nil {
			return err
		}
		defer it.Close()
		rows := 0
		for it.Next() {
			printRow(it.Row())
			rows++
		}
		if err := it.Err(); err != nil {
			return err
		}
		fmt.Printf("%d rows\n", rows)
		return nil
	case "LOOKUP":
		if len(parts) != 4 {
			return fmt.Errorf("usage: LOOKUP table index value")
		}
		return handleLookup(eng, parts[1], parts[2], parts[3])
	default:
		return fmt.Errorf("unknown statement: %s", cmd)
	}
}

func handleCreate(eng *engine.Engine, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("usage: CREATE TABLE|INDEX ...")
	}
	switch strings.ToUpper(parts[1]) {
	case "TABLE":
		if len(parts) < 4 {
			return fmt.Errorf("usage: CREATE TABLE name col:type[:pk] ...")
		}
		schema, err := parseSchema(parts[3:])
		if err != nil {
			return err
		}
		if err := eng.CreateTable(parts[2], *schema); err != nil {
			return err
		}
		fmt.Printf("Created table %s\n", parts[2])
		return nil
	case "INDEX":
		// CREATE INDEX name ON table column
		if len(parts) != 6 || strings.ToUpper(parts[3]) != "ON" {
			return fmt.Errorf("usage: CREATE INDEX name ON table column")
		}
		if err := eng.CreateIndex(parts[4], parts[2], parts[5]); err != nil {
			return err
		}
		fmt.Printf("Created index %s on %s(%s)\n", parts[2], parts[4], parts[5])
		return nil
	default:
		return fmt.Errorf("unknown CREATE target: %s", parts[1])
	}
}

// parseSchema parses col:type[:pk] column definitions.
func parseSchema(defs []string) (*catalog.Schema, error) {
	schema := &catalog.Schema{}
	for _, def := range defs {
		fields := strings.Split(def, ":")
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid column definition %q", def)
		}
		col := catalog.Column{Name: fields[0]}

		typeName := strings.ToLower(fields[1])
		switch {
		case typeName == "int64":
			col.Type = catalog.TypeInt64
		case typeName == "float64":
			col.Type = catalog.TypeFloat64
		case typeName == "bool":
			col.Type = catalog.TypeBool
		case strings.HasPrefix(typeName, "char(") && strings.HasSuffix(typeName, ")"):
			n, err := strconv.Atoi(typeName[5 : len(typeName)-1])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid char width in %q", def)
			}
			col.Type = catalog.TypeChar
			col.Length = n
		default:
			return nil, fmt.Errorf("unknown column type %q", fields[1])
		}

		if len(fields) == 3 {
			if strings.ToLower(fields[2]) != "pk" {
				return nil, fmt.Errorf("invalid column modifier %q", fields[2])
			}
			col.PrimaryKey = true
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

// writeRow parses string values against the table schema and applies fn.
func writeRow(eng *engine.Engine, table string, raw []string, fn func(string, []interface{}) error) error {
	schema, err := eng.Schema(table)
	if err != nil {
		return err
	}
	values, err := parseValues(schema, raw)
	if err != nil {
		return err
	}
	if err := fn(table, values); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func parseValues(schema *catalog.Schema, raw []string) ([]interface{}, error) {
	if len(raw) != len(schema.Columns) {
		return nil, fmt.Errorf("expected %d values, got %d", len(schema.Columns), len(raw))
	}
	values := make([]interface{}, len(raw))
	for i, col := range schema.Columns {
		v, err := parseValue(col, raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func parseValue(col catalog.Column, raw string) (interface{}, error) {
	switch col.Type {
	case catalog.TypeInt64:
		return strconv.ParseInt(raw, 10, 64)
	case catalog.TypeFloat64:
		return strconv.ParseFloat(raw, 64)
	case catalog.TypeBool:
		return strconv.ParseBool(raw)
	case catalog.TypeChar:
		return strings.Trim(raw, `"`), nil
	default:
		return nil, fmt.Errorf("unknown column type")
	}
}

func handleLookup(eng *engine.Engine, table, indexName, raw string) error {
	// Try numeric and boolean interpretations before falling back to string.
	var value interface{} = strings.Trim(raw, `"`)
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		value = v
	} else if v, err := strconv.ParseFloat(raw, 64); err == nil {
		value = v
	} else if v, err := strconv.ParseBool(raw); err == nil {
		value = v
	}

	rows, err := eng.IndexLookup(table, indexName, value)
	if err != nil {
		return err
	}
	for _, row := range rows {
		printRow(row)
	}
	fmt.Printf("%d rows\n", len(rows))
	return nil
}

func printRow(values []interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprintf("%v", v)
	}
	fmt.Println(strings.Join(strs, " | "))
}
