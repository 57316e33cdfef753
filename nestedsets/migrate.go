package nestedsets

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm/clause"
)

// Column is an extra payload column created alongside the tree columns.
// Type is a SQL type understood by the target database (eg, "TEXT").
type Column struct {
	Name string
	Type string
}

var columnTypeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\([0-9, ]+\))?$`)

// EnsureTable creates the tree table and its boundary indexes if they do
// not exist yet.
func (m *Maintainer) EnsureTable(ctx context.Context, extra ...Column) error {
	s := m.schema
	db := m.db.WithContext(ctx)

	keyType, parentType := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	switch {
	case s.KeyFilter == KeyFilterString:
		keyType, parentType = "TEXT PRIMARY KEY", "TEXT"
	case db.Dialector.Name() == "postgres":
		keyType, parentType = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}

	args := []any{
		clause.Table{Name: s.Table},
		col(s.PrimaryKey),
		col(s.Parent),
		col(s.Left),
		col(s.Right),
	}
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ? (? " + keyType + ", ? " + parentType + " NULL, ? BIGINT NOT NULL, ? BIGINT NOT NULL")
	for _, c := range extra {
		if c.Name == "" || s.isCoreColumn(c.Name) {
			return fmt.Errorf("%w: extra column %q", ErrInvalidSchema, c.Name)
		}
		if !columnTypeRe.MatchString(c.Type) {
			return fmt.Errorf("%w: column %s has unsupported type %q", ErrInvalidSchema, c.Name, c.Type)
		}
		sb.WriteString(", ? " + c.Type)
		args = append(args, col(c.Name))
	}
	sb.WriteString(")")

	if err := db.Exec(sb.String(), args...).Error; err != nil {
		return fmt.Errorf("creating table %s: %w", s.Table, err)
	}

	for _, c := range []string{s.Left, s.Right, s.Parent} {
		idx := fmt.Sprintf("idx_%s_%s", s.Table, c)
		if err := db.Exec("CREATE INDEX IF NOT EXISTS ? ON ? (?)", col(idx), clause.Table{Name: s.Table}, col(c)).Error; err != nil {
			return fmt.Errorf("creating index %s: %w", idx, err)
		}
	}

	m.Logger.Info("ensured tree table", "columns", 4+len(extra))
	return nil
}
