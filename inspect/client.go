package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/loader"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/spf13/afero"
)

// Ensure Client implements the core interfaces
var (
	_ core.QueryClient = (*Client)(nil)
	_ core.Verifier    = (*Client)(nil)
)

var (
	spacesRe = regexp.MustCompile(`\s+`)
	fromRe   = regexp.MustCompile(`(?i)\bFROM\s+(\w+)\b`)
)

// Client queries loaded parquet files through an in-process DuckDB.
type Client struct {
	DataDir string
	DB      *sql.DB
	fs      afero.Fs
}

// NewClient creates a Client over the destination root dataDir.
func NewClient(dataDir string) *Client {
	return &Client{
		DataDir: dataDir,
		fs:      afero.NewOsFs(),
	}
}

// Initialize sets up the DuckDB connection
func (c *Client) Initialize() error {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	c.DB = db
	return nil
}

// CountRows returns the number of rows in a parquet file.
func (c *Client) CountRows(ctx context.Context, path string) (int64, error) {
	if c.DB == nil {
		return 0, fmt.Errorf("query client is not initialized")
	}
	var n int64
	q := fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", quote(path))
	if err := c.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", path, err)
	}
	return n, nil
}

// Query runs a SELECT where the FROM table names a loaded table. SHOW TABLES
// lists the loaded tables.
func (c *Client) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.DB == nil {
		return nil, fmt.Errorf("query client is not initialized")
	}
	query = strings.TrimSpace(spacesRe.ReplaceAllString(query, " "))
	query = strings.TrimSuffix(query, ";")

	if strings.EqualFold(query, "SHOW TABLES") {
		tables, err := c.Tables()
		if err != nil {
			return nil, err
		}
		results := make([]map[string]interface{}, 0, len(tables))
		for _, t := range tables {
			results = append(results, map[string]interface{}{"table_name": t})
		}
		return results, nil
	}

	duckdbQuery, err := c.rewrite(query)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "Rewritten query: %s", duckdbQuery)

	start := time.Now()
	rows, err := c.DB.QueryContext(ctx, duckdbQuery)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	core.Debugf(ctx, "Got query result in: %v", time.Since(start))
	return result, nil
}

// Tables lists the table directories under the data dir.
func (c *Client) Tables() ([]string, error) {
	entries, err := afero.ReadDir(c.fs, c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var res []string
	for _, e := range entries {
		if e.IsDir() {
			res = append(res, e.Name())
		}
	}
	sort.Strings(res)
	return res, nil
}

// Files returns the parquet files of a table overlapping tr, from its
// manifest when there is one. Without a manifest every file is returned.
func (c *Client) Files(table string, tr TimeRange) ([]string, error) {
	dir := filepath.Join(c.DataDir, table)
	meta, err := loader.ReadMetadata(c.fs, dir)
	if err != nil {
		return nil, err
	}
	if len(meta.Files) > 0 {
		var res []string
		for _, p := range meta.Paths(tr.Start, tr.End) {
			if ok, _ := afero.Exists(c.fs, p); ok {
				res = append(res, p)
			}
		}
		return res, nil
	}
	var res []string
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("unknown table %s: %w", table, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			res = append(res, filepath.Join(dir, e.Name()))
		}
	}
	return res, nil
}

// rewrite replaces the first FROM table with a read_parquet over its files.
func (c *Client) rewrite(query string) (string, error) {
	loc := fromRe.FindStringSubmatchIndex(query)
	if loc == nil {
		return "", fmt.Errorf("invalid query: FROM clause not found or invalid")
	}
	table := query[loc[2]:loc[3]]
	files, err := c.Files(table, extractTimeRange(query))
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no relevant files found for table %s", table)
	}
	return query[:loc[2]] + readParquet(files) + query[loc[3]:], nil
}

func readParquet(files []string) string {
	var filesList strings.Builder
	for i, file := range files {
		if i > 0 {
			filesList.WriteString(", ")
		}
		filesList.WriteString(quote(file))
	}
	return fmt.Sprintf("read_parquet([%s], union_by_name=true)", filesList.String())
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Close releases resources
func (c *Client) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
