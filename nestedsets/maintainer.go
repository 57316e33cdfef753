package nestedsets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("nestedsets")

// Maintainer keeps the left/right/parent columns of one table a valid
// nested set encoding of a forest.
//
// Every mutation renumbers rows by boundary comparison across the whole
// table, so the table is the unit of consistency. Mutations run in a single
// transaction each and are serialized: in process by a mutex, and across
// processes by a table lock on postgres.
type Maintainer struct {
	db     *gorm.DB
	schema Schema

	Logger *slog.Logger

	// lk serializes the read-compute-write sequence of mutations
	lk sync.Mutex
}

func NewMaintainer(db *gorm.DB, schema Schema) (*Maintainer, error) {
	schema = schema.WithDefaults()
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Maintainer{
		db:     db,
		schema: schema,
		Logger: slog.Default().With("system", "nestedsets", "table", schema.Table),
	}, nil
}

func (m *Maintainer) Schema() Schema {
	return m.schema
}

// mutate runs fn as one all-or-nothing transaction.
func (m *Maintainer) mutate(ctx context.Context, op string, fn func(t *txn) error) error {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("table", m.schema.Table))

	start := time.Now()

	m.lk.Lock()
	defer m.lk.Unlock()

	var shifted int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t := &txn{tx: tx, schema: m.schema}
		if err := t.lockTable(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		shifted = t.shifted
		return nil
	})

	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			m.Logger.Warn("refusing operation on corrupt tree", "op", op, "err", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	rowsShifted.WithLabelValues(op).Add(float64(shifted))
	span.SetAttributes(attribute.Int64("rows_shifted", shifted))
	return nil
}

func (m *Maintainer) filterKey(id any) (any, error) {
	return m.schema.KeyFilter.Apply(id)
}

// InsertNode appends a new top-level node after the rightmost existing
// node and returns its primary key.
func (m *Maintainer) InsertNode(ctx context.Context, fields map[string]any) (any, error) {
	var id any
	err := m.mutate(ctx, "insert_node", func(t *txn) error {
		ref, err := t.maxRight()
		if err != nil {
			return err
		}

		// Nothing lies beyond the current maximum, so this only matches rows
		// if the table was modified outside the maintainer.
		if err := t.shiftBoth(2, ref); err != nil {
			return err
		}

		id, err = t.insert(fields, nil, ref+1, ref+2)
		if err != nil {
			return err
		}
		m.Logger.Debug("inserted root node", "id", id, "left", ref+1, "right", ref+2)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// InsertChild appends a new node as the last child of parent and returns
// its primary key. A childless parent gets the node as its first child.
func (m *Maintainer) InsertChild(ctx context.Context, parent any, fields map[string]any) (any, error) {
	pid, err := m.filterKey(parent)
	if err != nil {
		return nil, err
	}

	var id any
	err = m.mutate(ctx, "insert_child", func(t *txn) error {
		p, err := t.find(pid)
		if err != nil {
			return fmt.Errorf("parent not found: %w", err)
		}

		// Boundaries come from the snapshot taken before any shift.
		threshold := p.Left
		if HasChildren(*p) {
			threshold = p.Right - 1
		}
		left, right := threshold+1, threshold+2

		if err := t.shiftBoth(2, threshold); err != nil {
			return err
		}

		id, err = t.insert(fields, p.ID, left, right)
		if err != nil {
			return err
		}
		m.Logger.Debug("inserted child node", "id", id, "parent", p.ID, "left", left, "right", right)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// DeleteNode removes a single node. Its children take its place under its
// former parent, in the same order.
func (m *Maintainer) DeleteNode(ctx context.Context, id any) error {
	key, err := m.filterKey(id)
	if err != nil {
		return err
	}

	return m.mutate(ctx, "delete_node", func(t *txn) error {
		n, err := t.find(key)
		if err != nil {
			return err
		}

		deleted, err := t.deleteAt(n.Left)
		if err != nil {
			return err
		}
		if deleted != 1 {
			return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right, Reason: fmt.Sprintf("%d rows share the left boundary", deleted)}
		}

		if err := t.promote(n.Left, n.Right, n.ID, n.Parent); err != nil {
			return err
		}
		if err := t.shiftBoth(-2, n.Right); err != nil {
			return err
		}
		m.Logger.Debug("deleted node", "id", n.ID, "left", n.Left, "right", n.Right)
		return nil
	})
}

// DeleteWithChildren removes a node together with its whole subtree.
func (m *Maintainer) DeleteWithChildren(ctx context.Context, id any) error {
	key, err := m.filterKey(id)
	if err != nil {
		return err
	}

	return m.mutate(ctx, "delete_with_children", func(t *txn) error {
		n, err := t.find(key)
		if err != nil {
			return err
		}
		width := n.Width()

		deleted, err := t.deleteRange(n.Left, n.Right)
		if err != nil {
			return err
		}
		if want := width / 2; deleted != want {
			return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right, Reason: fmt.Sprintf("subtree holds %d rows, interval encodes %d", deleted, want)}
		}

		if err := t.shiftBoth(-width, n.Right); err != nil {
			return err
		}
		m.Logger.Debug("deleted subtree", "id", n.ID, "left", n.Left, "right", n.Right, "rows", deleted)
		return nil
	})
}

// DeleteTree removes every node. The key sequence is left as is.
func (m *Maintainer) DeleteTree(ctx context.Context) error {
	return m.mutate(ctx, "delete_tree", func(t *txn) error {
		res := t.tx.Exec("DELETE FROM ?", t.table())
		if res.Error != nil {
			return fmt.Errorf("emptying %s: %w", m.schema.Table, res.Error)
		}
		m.Logger.Info("deleted tree", "rows", res.RowsAffected)
		return nil
	})
}

// Truncate empties the table and resets its key sequence.
func (m *Maintainer) Truncate(ctx context.Context) error {
	return m.mutate(ctx, "truncate", func(t *txn) error {
		if t.tx.Dialector.Name() == "postgres" {
			if err := t.tx.Exec("TRUNCATE TABLE ? RESTART IDENTITY", t.table()).Error; err != nil {
				return fmt.Errorf("truncating %s: %w", m.schema.Table, err)
			}
			m.Logger.Info("truncated table")
			return nil
		}

		if err := t.tx.Exec("DELETE FROM ?", t.table()).Error; err != nil {
			return fmt.Errorf("truncating %s: %w", m.schema.Table, err)
		}
		if t.tx.Dialector.Name() == "sqlite" {
			var seq int64
			if err := t.tx.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'").Scan(&seq).Error; err != nil {
				return err
			}
			if seq > 0 {
				if err := t.tx.Exec("DELETE FROM sqlite_sequence WHERE name = ?", m.schema.Table).Error; err != nil {
					return fmt.Errorf("resetting key sequence: %w", err)
				}
			}
		}
		m.Logger.Info("truncated table")
		return nil
	})
}
