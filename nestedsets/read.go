package nestedsets

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

func (m *Maintainer) reader(ctx context.Context) *txn {
	return &txn{tx: m.db.WithContext(ctx), schema: m.schema}
}

// GetNode loads a single node by primary key.
func (m *Maintainer) GetNode(ctx context.Context, id any) (*Node, error) {
	key, err := m.filterKey(id)
	if err != nil {
		return nil, err
	}
	return m.reader(ctx).find(key)
}

// ListNodes returns every node in traversal (left boundary) order.
func (m *Maintainer) ListNodes(ctx context.Context) ([]Node, error) {
	t := m.reader(ctx)
	return t.query("SELECT * FROM ? ORDER BY ?", t.table(), col(m.schema.Left))
}

// Descendants returns every node strictly inside id's interval, in
// traversal order.
func (m *Maintainer) Descendants(ctx context.Context, id any) ([]Node, error) {
	key, err := m.filterKey(id)
	if err != nil {
		return nil, err
	}

	var out []Node
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t := &txn{tx: tx, schema: m.schema}
		n, err := t.find(key)
		if err != nil {
			return err
		}
		out, err = t.query("SELECT * FROM ? WHERE ? > ? AND ? < ? ORDER BY ?",
			t.table(),
			col(m.schema.Left), n.Left,
			col(m.schema.Right), n.Right,
			col(m.schema.Left))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Verify checks the whole table against the nested set invariants and
// returns an *InvariantError for the first offending node.
func (m *Maintainer) Verify(ctx context.Context) error {
	nodes, err := m.ListNodes(ctx)
	if err != nil {
		return err
	}
	if err := verifyForest(nodes); err != nil {
		m.Logger.Warn("tree failed verification", "err", err)
		return err
	}
	return nil
}

// verifyForest expects nodes ordered by left boundary.
func verifyForest(nodes []Node) error {
	type open struct {
		node        *Node
		descendants int64
	}

	seen := make(map[int64]any, 2*len(nodes))
	var stack []*open

	closeNode := func(o *open) error {
		want, err := NumberOfChildren(*o.node)
		if err != nil {
			return err
		}
		if want != o.descendants {
			return &InvariantError{NodeID: o.node.ID, Left: o.node.Left, Right: o.node.Right,
				Reason: fmt.Sprintf("interval encodes %d descendants, found %d", want, o.descendants)}
		}
		return nil
	}

	for i := range nodes {
		n := &nodes[i]
		if err := n.check(); err != nil {
			return err
		}
		for _, b := range []int64{n.Left, n.Right} {
			if other, ok := seen[b]; ok {
				return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right,
					Reason: fmt.Sprintf("boundary %d also used by node %v", b, other)}
			}
			seen[b] = n.ID
		}

		for len(stack) > 0 && stack[len(stack)-1].node.Right < n.Left {
			if err := closeNode(stack[len(stack)-1]); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
		}

		if len(stack) == 0 {
			if !n.IsRoot() {
				return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right,
					Reason: fmt.Sprintf("top-level node has parent %v", n.Parent)}
			}
		} else {
			enclosing := stack[len(stack)-1].node
			if !enclosing.Contains(*n) {
				return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right,
					Reason: fmt.Sprintf("overlaps node %v (%d, %d)", enclosing.ID, enclosing.Left, enclosing.Right)}
			}
			if !keysEqual(n.Parent, enclosing.ID) {
				return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right,
					Reason: fmt.Sprintf("parent is %v but enclosing node is %v", n.Parent, enclosing.ID)}
			}
		}

		for _, o := range stack {
			o.descendants++
		}
		stack = append(stack, &open{node: n})
	}

	for len(stack) > 0 {
		if err := closeNode(stack[len(stack)-1]); err != nil {
			return err
		}
		stack = stack[:len(stack)-1]
	}
	return nil
}
