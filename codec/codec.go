// Package codec loads and saves row sets across the supported
// tabular sources: JSONL and CSV files, SQLite databases and SQL
// Server. JSONL loads enforce the row and byte caps during the read;
// CSV loads check the file size against the byte cap before reading
// and cap rows during the read; database loads cap rows only.
package codec

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/siftdata/sift/value"
)

// Load reads rows from a typed source. For the database source types
// an empty query defaults to a full scan of the data table (sqlite) or
// the first 100 rows of dbo.workflow_tasks (sqlserver).
func Load(sourceType, source, query string, limit, maxBytes int) ([]any, error) {
	if limit < 1 {
		limit = 1
	}
	switch strings.ToLower(sourceType) {
	case "jsonl":
		return loadJSONL(source, limit, maxBytes)
	case "csv":
		return loadCSV(source, limit, maxBytes)
	case "sqlite":
		if query == "" {
			query = "SELECT * FROM data"
		}
		return loadSQL("sqlite3", source, query, limit)
	case "sqlserver":
		if query == "" {
			query = "SELECT TOP 100 * FROM dbo.workflow_tasks"
		}
		return loadSQL("sqlserver", source, query, limit)
	default:
		return nil, fmt.Errorf("unsupported source_type: %s", sourceType)
	}
}

// Save writes rows to a typed sink.
func Save(sinkType, sink, table string, rows []any) error {
	switch strings.ToLower(sinkType) {
	case "jsonl":
		return saveJSONL(sink, rows)
	case "csv":
		return saveCSV(sink, rows)
	case "sqlite":
		if table == "" {
			table = "data"
		}
		return saveSQL("sqlite3", sink, table, rows)
	case "sqlserver":
		if table == "" {
			table = "dbo.sift_rows"
		}
		return saveSQL("sqlserver", sink, table, rows)
	default:
		return fmt.Errorf("unsupported sink_type: %s", sinkType)
	}
}

// LoadURI dispatches on a <type>: prefixed URI, defaulting to jsonl
// for bare paths.
func LoadURI(uri string, limit, maxBytes int) ([]any, error) {
	st, rest := splitURI(uri)
	return Load(st, rest, "", limit, maxBytes)
}

// SaveURI is the sink-side counterpart of LoadURI.
func SaveURI(uri string, rows []any) error {
	st, rest := splitURI(uri)
	return Save(st, rest, "", rows)
}

func splitURI(uri string) (string, string) {
	for _, p := range []string{"jsonl", "csv", "sqlite", "sqlserver"} {
		if strings.HasPrefix(uri, p+":") {
			return p, strings.TrimPrefix(uri, p+":")
		}
	}
	return "jsonl", uri
}

func loadJSONL(path string, limit, maxBytes int) ([]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	defer f.Close()

	var rows []any
	read := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() && len(rows) < limit {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		read += len(line)
		if maxBytes > 0 && read > maxBytes {
			return nil, fmt.Errorf("jsonl input exceeds limit: %d > %d", read, maxBytes)
		}
		var row any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse jsonl line: %w", err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return rows, nil
}

func saveJSONL(path string, rows []any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sink dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create jsonl: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write jsonl row: %w", err)
		}
	}
	return w.Flush()
}

func loadCSV(path string, limit, maxBytes int) ([]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	if maxBytes > 0 {
		if st, err := f.Stat(); err == nil && st.Size() > int64(maxBytes) {
			return nil, fmt.Errorf("csv input exceeds limit: %d > %d", st.Size(), maxBytes)
		}
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	var rows []any
	for len(rows) < limit {
		rec, err := r.Read()
		if err != nil {
			break
		}
		row := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func saveCSV(path string, rows []any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sink dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	header := columnOrder(rows)
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		rec := make([]string, len(header))
		for i, h := range header {
			rec[i] = value.ToString(obj[h])
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// columnOrder collects the distinct column names across rows, sorted.
func columnOrder(rows []any) []string {
	seen := map[string]struct{}{}
	var cols []string
	for _, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for k := range obj {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	// map iteration order varies per row; keep output deterministic
	sort.Strings(cols)
	return cols
}

func loadSQL(driver, dsn, query string, limit int) ([]any, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	defer db.Close()

	rs, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", driver, err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var rows []any
	for rs.Next() && len(rows) < limit {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeSQLValue(vals[i])
		}
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

func normalizeSQLValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		return t
	default:
		return v
	}
}

func saveSQL(driver, dsn, table string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", driver, err)
	}
	defer db.Close()

	cols := columnOrder(rows)
	if len(cols) == 0 {
		return nil
	}
	if driver == "sqlite3" {
		defs := make([]string, len(cols))
		for i, c := range cols {
			defs[i] = quoteIdent(c) + " TEXT"
		}
		if _, err := db.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
			table, strings.Join(defs, ", "))); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		if driver == "sqlserver" {
			marks[i] = fmt.Sprintf("@p%d", i+1)
		} else {
			marks[i] = "?"
		}
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = value.ToString(obj[c])
		}
		if _, err := tx.Exec(stmt, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return tx.Commit()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, ``) + `"`
}
