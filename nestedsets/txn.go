package nestedsets

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// txn is the unit of work for a single tree operation. Every store
// primitive the maintainer needs goes through it so that all reads and
// writes of one operation share the same transaction.
type txn struct {
	tx     *gorm.DB
	schema Schema

	// rows touched by boundary shifts so far
	shifted int64
}

func (t *txn) table() clause.Table {
	return clause.Table{Name: t.schema.Table}
}

func col(name string) clause.Column {
	return clause.Column{Name: name}
}

// lockTable takes a table level lock on backends that support it. sqlite
// serializes writers on its own.
func (t *txn) lockTable() error {
	if t.tx.Dialector.Name() != "postgres" {
		return nil
	}
	if err := t.tx.Exec("LOCK TABLE ? IN SHARE ROW EXCLUSIVE MODE", t.table()).Error; err != nil {
		return fmt.Errorf("locking %s: %w", t.schema.Table, err)
	}
	return nil
}

func (t *txn) maxRight() (int64, error) {
	var max int64
	if err := t.tx.Raw("SELECT COALESCE(MAX(?), 0) FROM ?", col(t.schema.Right), t.table()).Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("reading max %s: %w", t.schema.Right, err)
	}
	return max, nil
}

// find loads a node by its (already filtered) primary key.
func (t *txn) find(id any) (*Node, error) {
	nodes, err := t.query("SELECT * FROM ? WHERE ? = ?", t.table(), col(t.schema.PrimaryKey), id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s = %v", ErrNodeNotFound, t.schema.PrimaryKey, id)
	}
	n := nodes[0]
	if err := n.check(); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *txn) query(q string, args ...any) ([]Node, error) {
	rows, err := t.tx.Raw(q, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.schema.Table, err)
	}
	defer rows.Close()
	return scanNodes(rows, t.schema)
}

func scanNodes(rows *sql.Rows, s Schema) ([]Node, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Node
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", s.Table, err)
		}

		var n Node
		var bad string
		for i, c := range cols {
			v := vals[i]
			switch c {
			case s.PrimaryKey:
				n.ID = normalizeKey(v)
			case s.Parent:
				n.Parent = normalizeKey(v)
			case s.Left, s.Right:
				b, err := toInt64(v)
				if err != nil {
					if bad == "" {
						bad = fmt.Sprintf("column %s: %v", c, err)
					}
					continue
				}
				if c == s.Left {
					n.Left = b
				} else {
					n.Right = b
				}
			default:
				if n.Fields == nil {
					n.Fields = make(map[string]any)
				}
				n.Fields[c] = normalizeKey(v)
			}
		}
		// the key may come after the boundary columns, so report once the row is read
		if bad != "" {
			return nil, &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right, Reason: bad}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// shift adds delta to column c of every row whose c is above threshold.
func (t *txn) shift(c string, delta, threshold int64) error {
	res := t.tx.Exec("UPDATE ? SET ? = ? + ? WHERE ? > ?",
		t.table(), col(c), col(c), delta, col(c), threshold)
	if res.Error != nil {
		return fmt.Errorf("shifting %s by %d above %d: %w", c, delta, threshold, res.Error)
	}
	t.shifted += res.RowsAffected
	return nil
}

// shiftBoth opens (delta > 0) or closes (delta < 0) a gap after threshold.
func (t *txn) shiftBoth(delta, threshold int64) error {
	if err := t.shift(t.schema.Right, delta, threshold); err != nil {
		return err
	}
	return t.shift(t.schema.Left, delta, threshold)
}

// insert writes a row and returns its primary key as reported by the
// database.
func (t *txn) insert(fields map[string]any, parent any, left, right int64) (any, error) {
	row := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if k == t.schema.Parent || k == t.schema.Left || k == t.schema.Right {
			continue
		}
		row[k] = v
	}
	row[t.schema.Parent] = parent
	row[t.schema.Left] = left
	row[t.schema.Right] = right

	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	sort.Strings(names)

	args := make([]any, 0, 2*len(names)+2)
	args = append(args, t.table())
	for _, k := range names {
		args = append(args, col(k))
	}
	for _, k := range names {
		args = append(args, row[k])
	}
	args = append(args, col(t.schema.PrimaryKey))

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	q := "INSERT INTO ? (" + marks + ") VALUES (" + marks + ") RETURNING ?"

	rows, err := t.tx.Raw(q, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", t.schema.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("inserting into %s: %w", t.schema.Table, err)
		}
		return nil, errors.New("insert returned no primary key")
	}
	var id any
	if err := rows.Scan(&id); err != nil {
		return nil, fmt.Errorf("reading inserted key: %w", err)
	}
	return normalizeKey(id), rows.Err()
}

func (t *txn) deleteAt(left int64) (int64, error) {
	res := t.tx.Exec("DELETE FROM ? WHERE ? = ?", t.table(), col(t.schema.Left), left)
	if res.Error != nil {
		return 0, fmt.Errorf("deleting node at %s = %d: %w", t.schema.Left, left, res.Error)
	}
	return res.RowsAffected, nil
}

func (t *txn) deleteRange(lo, hi int64) (int64, error) {
	res := t.tx.Exec("DELETE FROM ? WHERE ? BETWEEN ? AND ?", t.table(), col(t.schema.Left), lo, hi)
	if res.Error != nil {
		return 0, fmt.Errorf("deleting %s range [%d, %d]: %w", t.schema.Left, lo, hi, res.Error)
	}
	return res.RowsAffected, nil
}

// promote moves every row inside [lo, hi] one unit to the left, and hands
// the rows whose parent was oldParent over to newParent.
func (t *txn) promote(lo, hi int64, oldParent, newParent any) error {
	res := t.tx.Exec("UPDATE ? SET ? = ? - 1, ? = ? - 1 WHERE ? BETWEEN ? AND ?",
		t.table(),
		col(t.schema.Left), col(t.schema.Left),
		col(t.schema.Right), col(t.schema.Right),
		col(t.schema.Left), lo, hi)
	if res.Error != nil {
		return fmt.Errorf("leveling descendants in [%d, %d]: %w", lo, hi, res.Error)
	}
	t.shifted += res.RowsAffected

	res = t.tx.Exec("UPDATE ? SET ? = ? WHERE ? = ? AND ? BETWEEN ? AND ?",
		t.table(),
		col(t.schema.Parent), newParent,
		col(t.schema.Parent), oldParent,
		col(t.schema.Left), lo, hi)
	if res.Error != nil {
		return fmt.Errorf("reparenting children of %v: %w", oldParent, res.Error)
	}
	return nil
}
