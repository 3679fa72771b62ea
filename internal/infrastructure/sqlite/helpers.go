package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// jsonString marshals v for storage in a TEXT column. Nil slices and maps
// store as the literal "null" so they round-trip as nil.
func jsonString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// jsonScan unmarshals a JSON column into dst, leaving dst untouched for
// NULL or empty columns.
func jsonScan(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

// unixOrNil converts an optional time to a nullable Unix timestamp column
// value.
func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// timeFromUnix converts a nullable Unix timestamp column to an optional
// time.
func timeFromUnix(col sql.NullInt64) *time.Time {
	if !col.Valid {
		return nil
	}
	t := time.Unix(col.Int64, 0)
	return &t
}

// stringOrNil stores empty strings as NULL.
func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a sqlite unique constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation reports whether err is a sqlite foreign key
// constraint failure.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
