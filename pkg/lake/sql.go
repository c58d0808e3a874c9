package lake

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/orneryd/kgraph/pkg/kgerrors"
)

// SQL runs an arbitrary read-only query over a table's latest snapshot.
// `{{table}}` in the query is substituted with the logical table name
// derived from the last path segment of tablePath. The snapshot is
// materialized into a transient in-memory SQLite table for the duration
// of the call; it is not persisted and has no effect on other readers.
func (l *Lake) SQL(tablePath, query string) ([]Row, error) {
	snap, err := l.OpenTable(tablePath)
	if err != nil {
		return nil, err
	}

	logicalName := logicalTableName(tablePath)
	substituted := strings.ReplaceAll(query, "{{table}}", logicalName)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "lake.SQL", err)
	}
	defer db.Close()

	columns := make([]string, 0, len(snap.Fields)+1)
	columns = append(columns, "id")
	for _, f := range snap.Fields {
		columns = append(columns, sanitizeColumnName(f.Name))
	}

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE %s (", logicalName)
	for i, c := range columns {
		if i > 0 {
			ddl.WriteString(", ")
		}
		fmt.Fprintf(&ddl, "%s TEXT", c)
	}
	ddl.WriteString(")")
	if _, err := db.Exec(ddl.String()); err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "lake.SQL", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	insertStmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", logicalName, strings.Join(columns, ","), placeholders)

	for _, row := range snap.Rows {
		args := make([]any, len(columns))
		for i, c := range columns {
			args[i] = fmt.Sprintf("%v", row[c])
		}
		if _, err := db.Exec(insertStmt, args...); err != nil {
			return nil, kgerrors.Wrap(kgerrors.Lake, "lake.SQL", err)
		}
	}

	rows, err := db.Query(substituted)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.InvalidArg, "lake.SQL", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "lake.SQL", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, kgerrors.Wrap(kgerrors.Lake, "lake.SQL", err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func logicalTableName(tablePath string) string {
	parts := strings.Split(strings.TrimRight(tablePath, "/"), "/")
	name := parts[len(parts)-1]
	return sanitizeColumnName(name)
}
