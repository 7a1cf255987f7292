package flightserver

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/duckdb/duckdb-go/v2"
)

func TestDuckDBTypeToArrow(t *testing.T) {
	tests := []struct {
		dbType   string
		expected arrow.DataType
	}{
		// Signed integers
		{"TINYINT", arrow.PrimitiveTypes.Int8},
		{"SMALLINT", arrow.PrimitiveTypes.Int16},
		{"INTEGER", arrow.PrimitiveTypes.Int32},
		{"BIGINT", arrow.PrimitiveTypes.Int64},

		// Unsigned integers (must NOT map to signed)
		{"UTINYINT", arrow.PrimitiveTypes.Uint8},
		{"USMALLINT", arrow.PrimitiveTypes.Uint16},
		{"UINTEGER", arrow.PrimitiveTypes.Uint32},
		{"UBIGINT", arrow.PrimitiveTypes.Uint64},

		// Big integers as Decimal128
		{"HUGEINT", &arrow.Decimal128Type{Precision: 38, Scale: 0}},

		// Floats
		{"FLOAT", arrow.PrimitiveTypes.Float32},
		{"REAL", arrow.PrimitiveTypes.Float32},
		{"DOUBLE", arrow.PrimitiveTypes.Float64},

		// Boolean
		{"BOOLEAN", arrow.FixedWidthTypes.Boolean},
		{"BOOL", arrow.FixedWidthTypes.Boolean},

		// Strings
		{"VARCHAR", arrow.BinaryTypes.String},
		{"TEXT", arrow.BinaryTypes.String},
		{"VARCHAR(255)", arrow.BinaryTypes.String},

		// Binary
		{"BLOB", arrow.BinaryTypes.Binary},
		{"BYTEA", arrow.BinaryTypes.Binary},

		// Temporal
		{"DATE", arrow.FixedWidthTypes.Date32},
		{"TIME", arrow.FixedWidthTypes.Time64us},
		{"TIMESTAMP", &arrow.TimestampType{Unit: arrow.Microsecond}},
		{"TIMESTAMP_S", &arrow.TimestampType{Unit: arrow.Second}},
		{"TIMESTAMP_MS", &arrow.TimestampType{Unit: arrow.Millisecond}},
		{"TIMESTAMP_NS", &arrow.TimestampType{Unit: arrow.Nanosecond}},
		{"TIMESTAMPTZ", &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},

		// DECIMAL with parameters
		{"DECIMAL(18,2)", &arrow.Decimal128Type{Precision: 18, Scale: 2}},
		{"DECIMAL(10,5)", &arrow.Decimal128Type{Precision: 10, Scale: 5}},
		{"NUMERIC(38,0)", &arrow.Decimal128Type{Precision: 38, Scale: 0}},
		{"DECIMAL", &arrow.Decimal128Type{Precision: 18, Scale: 3}},

		// UUID/JSON as string
		{"UUID", arrow.BinaryTypes.String},
		{"JSON", arrow.BinaryTypes.String},

		// ENUM and unknown types as string
		{"ENUM('a', 'b', 'c')", arrow.BinaryTypes.String},
		{"STRUCT(x INTEGER)", arrow.BinaryTypes.String},

		// LIST types (recursive)
		{"INTEGER[]", arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{"VARCHAR[]", arrow.ListOf(arrow.BinaryTypes.String)},
		{"DOUBLE[]", arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}

	for _, tt := range tests {
		t.Run(tt.dbType, func(t *testing.T) {
			got := duckDBTypeToArrow(tt.dbType)
			if !arrow.TypeEqual(got, tt.expected) {
				t.Errorf("duckDBTypeToArrow(%q) = %v, want %v", tt.dbType, got, tt.expected)
			}
		})
	}
}

func TestArrowTypeToDuckDB(t *testing.T) {
	tests := []struct {
		dt       arrow.DataType
		expected string
	}{
		{arrow.FixedWidthTypes.Boolean, "BOOLEAN"},
		{arrow.PrimitiveTypes.Int8, "TINYINT"},
		{arrow.PrimitiveTypes.Int16, "SMALLINT"},
		{arrow.PrimitiveTypes.Int32, "INTEGER"},
		{arrow.PrimitiveTypes.Int64, "BIGINT"},
		{arrow.PrimitiveTypes.Uint32, "UINTEGER"},
		{arrow.PrimitiveTypes.Float32, "FLOAT"},
		{arrow.PrimitiveTypes.Float64, "DOUBLE"},
		{arrow.BinaryTypes.String, "VARCHAR"},
		{arrow.BinaryTypes.Binary, "BLOB"},
		{arrow.FixedWidthTypes.Date32, "DATE"},
		{&arrow.TimestampType{Unit: arrow.Microsecond}, "TIMESTAMP"},
		{&arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, "TIMESTAMPTZ"},
		{&arrow.Decimal128Type{Precision: 18, Scale: 2}, "DECIMAL(18,2)"},
		{arrow.ListOf(arrow.PrimitiveTypes.Int32), "INTEGER[]"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := arrowTypeToDuckDB(tt.dt); got != tt.expected {
				t.Errorf("arrowTypeToDuckDB(%v) = %q, want %q", tt.dt, got, tt.expected)
			}
		})
	}
}

func TestSQLLiteral(t *testing.T) {
	ts := time.Date(2015, 6, 1, 12, 30, 45, 0, time.UTC)
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{"nil", nil, "NULL"},
		{"string", "hello", "'hello'"},
		{"string with quote", "it's", "'it''s'"},
		{"string with backslash", `a\b`, `'a\b'`},
		{"string with doubled backslash", `a\\b`, `'a\\b'`},
		{"bool true", true, "TRUE"},
		{"bool false", false, "FALSE"},
		{"int", int64(42), "42"},
		{"float", 1.5, "1.5"},
		{"bytes", []byte{0xde, 0xad}, "decode('dead', 'hex')"},
		{"time", ts, "'2015-06-01 12:30:45'"},
		{"bigint", big.NewInt(123), "123"},
		{"list", []any{int32(1), "x"}, "[1, 'x']"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sqlLiteral(tt.value); got != tt.expected {
				t.Errorf("sqlLiteral(%v) = %q, want %q", tt.value, got, tt.expected)
			}
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("foo"); got != `"foo"` {
		t.Errorf("quoteIdent(foo) = %q", got)
	}
	if got := quoteIdent(`evil"ident`); got != `"evil""ident"` {
		t.Errorf("quoteIdent with quote = %q", got)
	}
}

func TestRowsToRecordBatching(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("failed to open DuckDB: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "CREATE TABLE nums AS SELECT range AS n FROM range(2500)"); err != nil {
		t.Fatalf("failed to seed table: %v", err)
	}

	query := "SELECT n FROM nums ORDER BY n"
	schema, err := querySchema(ctx, db, query, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("failed to probe schema: %v", err)
	}
	if schema.NumFields() != 1 || !arrow.TypeEqual(schema.Field(0).Type, arrow.PrimitiveTypes.Int64) {
		t.Fatalf("unexpected schema: %v", schema)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var batches int
	var total int64
	for {
		record, err := rowsToRecord(memory.DefaultAllocator, rows, schema, 1024)
		if err != nil {
			t.Fatalf("rowsToRecord failed: %v", err)
		}
		if record == nil {
			break
		}
		if record.NumRows() > 1024 {
			t.Errorf("batch exceeds limit: %d rows", record.NumRows())
		}
		total += record.NumRows()
		batches++
		record.Release()
	}

	if total != 2500 {
		t.Errorf("expected 2500 rows, got %d", total)
	}
	if batches != 3 {
		t.Errorf("expected 3 batches, got %d", batches)
	}
}

func TestQuerySchemaTrailingSemicolonAndLimit(t *testing.T) {
	// Regression test: appending " LIMIT 0" after a trailing semicolon or an
	// existing LIMIT clause produced "syntax error at or near LIMIT".
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("failed to open DuckDB: %v", err)
	}
	defer func() { _ = db.Close() }()

	tests := []struct {
		name  string
		query string
	}{
		{"no semicolon", "SELECT 1 AS n"},
		{"trailing semicolon", "SELECT 1 AS n;"},
		{"trailing semicolon with spaces", "SELECT 1 AS n ; "},
		{"CTE with semicolon", "WITH cte AS (SELECT 42 AS val) SELECT * FROM cte;"},
		{"query with existing LIMIT", "SELECT 1 AS n LIMIT 1"},
		{"query with existing LIMIT and semicolon", "SELECT 1 AS n LIMIT 1;"},
		{"SHOW statement", "SHOW TABLES"},
		{"DESCRIBE statement", "DESCRIBE SELECT 1"},
		{"FROM-first syntax", "FROM range(3)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema, err := querySchema(context.Background(), db, tt.query, memory.DefaultAllocator)
			if err != nil {
				t.Fatalf("querySchema(%q) error: %v", tt.query, err)
			}
			if schema.NumFields() == 0 {
				t.Fatalf("querySchema(%q) returned 0 fields", tt.query)
			}
		})
	}
}

func TestSQLLiteralRoundTrip(t *testing.T) {
	// Backslashes are not escape characters in DuckDB string literals; a
	// value written through sqlLiteral must read back byte for byte.
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("failed to open DuckDB: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE lits (s VARCHAR)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	values := []string{`a\b`, `C:\path\to\file`, `quote ' and \ mix`, `trailing \`}
	for _, want := range values {
		if _, err := db.ExecContext(ctx, "DELETE FROM lits"); err != nil {
			t.Fatalf("failed to clear table: %v", err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO lits VALUES ("+sqlLiteral(want)+")"); err != nil {
			t.Fatalf("insert of %q failed: %v", want, err)
		}
		var got string
		if err := db.QueryRowContext(ctx, "SELECT s FROM lits").Scan(&got); err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if got != want {
			t.Errorf("round trip corrupted: wrote %q, read back %q", want, got)
		}
	}
}

func TestQuerySchemaUnknownTable(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("failed to open DuckDB: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := querySchema(context.Background(), db, `SELECT * FROM "no_such_table"`, memory.DefaultAllocator); err == nil {
		t.Fatal("expected error probing unknown table")
	}
}
