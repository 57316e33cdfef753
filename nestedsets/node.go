package nestedsets

import (
	"fmt"
	"math"
	"strconv"
)

// Node is one row of the tree table. Fields holds every column other than
// the four the maintainer manages.
type Node struct {
	ID     any
	Parent any
	Left   int64
	Right  int64
	Fields map[string]any
}

// Width is the number of boundary units the node occupies, Right - Left + 1.
// A leaf has width 2 and every descendant adds 2.
func (n Node) Width() int64 {
	return n.Right - n.Left + 1
}

func (n Node) IsRoot() bool {
	return n.Parent == nil
}

// Contains reports whether o lies strictly inside n.
func (n Node) Contains(o Node) bool {
	return n.Left < o.Left && o.Right < n.Right
}

func (n Node) check() error {
	if n.Left >= n.Right {
		return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right, Reason: "left boundary is not below right boundary"}
	}
	if (n.Right-n.Left)%2 == 0 {
		return &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right, Reason: "interval does not hold a whole number of descendants"}
	}
	return nil
}

func HasChildren(n Node) bool {
	return n.Right-n.Left > 1
}

// NumberOfChildren returns the number of descendants encoded by the node's
// interval. A negative or fractional count means the row is corrupt.
func NumberOfChildren(n Node) (int64, error) {
	span := n.Right - n.Left - 1
	if span < 0 || span%2 != 0 {
		return 0, &InvariantError{NodeID: n.ID, Left: n.Left, Right: n.Right, Reason: "descendant count is not a non-negative integer"}
	}
	return span / 2, nil
}

func toInt64(v any) (int64, error) {
	switch k := v.(type) {
	case int64:
		return k, nil
	case int32:
		return int64(k), nil
	case int:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case float64:
		if k != math.Trunc(k) || k > math.MaxInt64 || k < math.MinInt64 {
			return 0, fmt.Errorf("boundary %v is not an integer", k)
		}
		return int64(k), nil
	case []byte:
		return strconv.ParseInt(string(k), 10, 64)
	case string:
		return strconv.ParseInt(k, 10, 64)
	case nil:
		return 0, fmt.Errorf("boundary is NULL")
	default:
		return 0, fmt.Errorf("unexpected boundary type %T", v)
	}
}

// normalizeKey turns driver byte slices into strings so keys compare and
// print predictably.
func normalizeKey(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func keysEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
