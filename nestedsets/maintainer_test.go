package nestedsets

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tree.sqlite")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func testMaintainer(t *testing.T, db *gorm.DB, schema Schema) *Maintainer {
	t.Helper()

	m, err := NewMaintainer(db, schema)
	require.NoError(t, err)
	require.NoError(t, m.EnsureTable(context.Background(), Column{Name: "name", Type: "TEXT"}))
	return m
}

// byName indexes the current table contents by the "name" payload column.
func byName(t *testing.T, m *Maintainer) map[string]Node {
	t.Helper()

	nodes, err := m.ListNodes(context.Background())
	require.NoError(t, err)
	out := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		out[n.Fields["name"].(string)] = n
	}
	return out
}

func names(nodes []Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Fields["name"].(string))
	}
	return out
}

func bounds(n Node) [2]int64 {
	return [2]int64{n.Left, n.Right}
}

func insertRoot(t *testing.T, m *Maintainer, name string) any {
	t.Helper()
	id, err := m.InsertNode(context.Background(), map[string]any{"name": name})
	require.NoError(t, err)
	return id
}

func insertChild(t *testing.T, m *Maintainer, parent any, name string) any {
	t.Helper()
	id, err := m.InsertChild(context.Background(), parent, map[string]any{"name": name})
	require.NoError(t, err)
	return id
}

func TestInsertScenario(t *testing.T) {
	assert := assert.New(t)
	m := testMaintainer(t, testDB(t), DefaultSchema())

	a := insertRoot(t, m, "A")
	assert.Equal([2]int64{1, 2}, bounds(byName(t, m)["A"]))

	insertRoot(t, m, "B")
	assert.Equal([2]int64{3, 4}, bounds(byName(t, m)["B"]))

	insertChild(t, m, a, "C")
	nodes := byName(t, m)
	assert.Equal([2]int64{2, 3}, bounds(nodes["C"]))
	assert.Equal([2]int64{1, 4}, bounds(nodes["A"]))
	assert.Equal([2]int64{5, 6}, bounds(nodes["B"]))
	assert.Equal(nodes["A"].ID, nodes["C"].Parent)
	assert.Nil(nodes["A"].Parent)

	assert.NoError(m.Verify(context.Background()))
}

func TestDeleteNodeScenario(t *testing.T) {
	assert := assert.New(t)
	m := testMaintainer(t, testDB(t), DefaultSchema())

	a := insertRoot(t, m, "A")
	insertChild(t, m, a, "C")
	require.Equal(t, [2]int64{1, 4}, bounds(byName(t, m)["A"]))

	require.NoError(t, m.DeleteNode(context.Background(), a))

	nodes := byName(t, m)
	assert.Len(nodes, 1)
	assert.Equal([2]int64{1, 2}, bounds(nodes["C"]))
	assert.Nil(nodes["C"].Parent)
	assert.NoError(m.Verify(context.Background()))
}

func TestRootRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())

	for i := 0; i < 6; i++ {
		insertRoot(t, m, fmt.Sprintf("n%d", i))
	}

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 6)
	for i, n := range nodes {
		assert.Equal(fmt.Sprintf("n%d", i), n.Fields["name"])
		assert.Equal(int64(2), n.Width(), "root %d", i)
		assert.Equal(int64(2*i+1), n.Left)
		assert.False(HasChildren(n))
		if i > 0 {
			assert.Less(nodes[i-1].Right, n.Left)
		}
	}
	assert.NoError(m.Verify(ctx))
}

func TestInsertChildAppendsLast(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())

	a := insertRoot(t, m, "A")
	insertRoot(t, m, "B")
	insertChild(t, m, a, "C1")
	insertChild(t, m, a, "C2")
	insertChild(t, m, a, "C3")

	nodes := byName(t, m)
	assert.Equal([2]int64{1, 8}, bounds(nodes["A"]))
	assert.Equal([2]int64{2, 3}, bounds(nodes["C1"]))
	assert.Equal([2]int64{4, 5}, bounds(nodes["C2"]))
	assert.Equal([2]int64{6, 7}, bounds(nodes["C3"]))
	assert.Equal([2]int64{9, 10}, bounds(nodes["B"]))

	parent := nodes["A"]
	assert.True(HasChildren(parent))
	for _, c := range []string{"C1", "C2", "C3"} {
		assert.True(parent.Contains(nodes[c]), c)
		assert.Equal(parent.ID, nodes[c].Parent, c)
	}

	desc, err := m.Descendants(ctx, a)
	require.NoError(t, err)
	assert.Equal([]string{"C1", "C2", "C3"}, names(desc))
	assert.NoError(m.Verify(ctx))
}

func TestInsertChildNested(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())

	a := insertRoot(t, m, "A")
	b := insertChild(t, m, a, "B")
	c := insertChild(t, m, b, "C")
	insertChild(t, m, c, "D")
	insertChild(t, m, a, "E")
	insertRoot(t, m, "F")

	nodes := byName(t, m)
	assert.Equal([2]int64{1, 10}, bounds(nodes["A"]))
	assert.Equal([2]int64{2, 7}, bounds(nodes["B"]))
	assert.Equal([2]int64{3, 6}, bounds(nodes["C"]))
	assert.Equal([2]int64{4, 5}, bounds(nodes["D"]))
	assert.Equal([2]int64{8, 9}, bounds(nodes["E"]))
	assert.Equal([2]int64{11, 12}, bounds(nodes["F"]))
	assert.NoError(m.Verify(ctx))
}

// buildForest creates
//
//	A
//	├── P
//	│   ├── X
//	│   └── Y
//	│       └── Z
//	└── Q
//	B
func buildForest(t *testing.T, m *Maintainer) map[string]any {
	t.Helper()

	ids := map[string]any{}
	ids["A"] = insertRoot(t, m, "A")
	ids["B"] = insertRoot(t, m, "B")
	ids["P"] = insertChild(t, m, ids["A"], "P")
	ids["X"] = insertChild(t, m, ids["P"], "X")
	ids["Y"] = insertChild(t, m, ids["P"], "Y")
	ids["Z"] = insertChild(t, m, ids["Y"], "Z")
	ids["Q"] = insertChild(t, m, ids["A"], "Q")
	require.NoError(t, m.Verify(context.Background()))
	return ids
}

func TestDeleteNodePromotesChildren(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())
	ids := buildForest(t, m)

	before, err := m.ListNodes(ctx)
	require.NoError(t, err)

	require.NoError(t, m.DeleteNode(ctx, ids["P"]))

	after, err := m.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(after, len(before)-1)

	nodes := byName(t, m)
	assert.NotContains(nodes, "P")
	assert.Equal(ids["A"], nodes["X"].Parent)
	assert.Equal(ids["A"], nodes["Y"].Parent)
	assert.Equal(ids["Y"], nodes["Z"].Parent)
	assert.Less(nodes["X"].Right, nodes["Y"].Left)
	assert.Less(nodes["Y"].Right, nodes["Q"].Left)
	assert.Equal([2]int64{1, 10}, bounds(nodes["A"]))
	assert.Equal([2]int64{11, 12}, bounds(nodes["B"]))

	desc, err := m.Descendants(ctx, ids["A"])
	require.NoError(t, err)
	assert.Equal([]string{"X", "Y", "Z", "Q"}, names(desc))
	assert.NoError(m.Verify(ctx))
}

func TestDeleteWithChildrenLeavesNoGaps(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())
	ids := buildForest(t, m)

	maxRight := func() int64 {
		nodes, err := m.ListNodes(ctx)
		require.NoError(t, err)
		var max int64
		for _, n := range nodes {
			if n.Right > max {
				max = n.Right
			}
		}
		return max
	}

	p, err := m.GetNode(ctx, ids["P"])
	require.NoError(t, err)
	beforeMax := maxRight()

	require.NoError(t, m.DeleteWithChildren(ctx, ids["P"]))

	assert.Equal(beforeMax-p.Width(), maxRight())
	nodes := byName(t, m)
	assert.Equal([]string{"A", "B", "Q"}, sortedKeys(nodes))
	assert.Equal([2]int64{1, 4}, bounds(nodes["A"]))
	assert.Equal([2]int64{2, 3}, bounds(nodes["Q"]))
	assert.Equal([2]int64{5, 6}, bounds(nodes["B"]))
	assert.NoError(m.Verify(ctx))
}

func sortedKeys(m map[string]Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestNumberOfChildrenMatchesDescendants(t *testing.T) {
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())
	ids := buildForest(t, m)

	for name, id := range ids {
		n, err := m.GetNode(ctx, id)
		require.NoError(t, err)
		count, err := NumberOfChildren(*n)
		require.NoError(t, err)
		desc, err := m.Descendants(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(len(desc)), count, name)
		assert.Equal(t, len(desc) > 0, HasChildren(*n), name)
	}
}

func TestNotFound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())
	insertRoot(t, m, "A")

	_, err := m.InsertChild(ctx, 999, map[string]any{"name": "orphan"})
	assert.ErrorIs(err, ErrNodeNotFound)
	assert.ErrorContains(err, "parent not found")

	assert.ErrorIs(m.DeleteNode(ctx, 999), ErrNodeNotFound)
	assert.ErrorIs(m.DeleteWithChildren(ctx, "999"), ErrNodeNotFound)

	_, err = m.GetNode(ctx, 999)
	assert.ErrorIs(err, ErrNodeNotFound)

	assert.ErrorIs(m.DeleteNode(ctx, "not-a-number"), ErrInvalidKey)
	assert.Len(byName(t, m), 1)
}

func TestFailedInsertRollsBack(t *testing.T) {
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())
	ids := buildForest(t, m)

	before, err := m.ListNodes(ctx)
	require.NoError(t, err)

	// the boundary shift succeeds, then the insert fails on the unknown column
	_, err = m.InsertChild(ctx, ids["P"], map[string]any{"name": "bad", "no_such_column": 1})
	require.Error(t, err)

	after, err := m.ListNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoError(t, m.Verify(ctx))
}

func TestCorruptRowIsRefused(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)
	m := testMaintainer(t, db, DefaultSchema())
	ids := buildForest(t, m)

	require.NoError(t, db.Exec("UPDATE nestedsets SET rgt = lft WHERE name = ?", "X").Error)
	before, err := m.ListNodes(ctx)
	require.NoError(t, err)

	err = m.DeleteNode(ctx, ids["X"])
	assert.ErrorIs(err, ErrInvariantViolation)
	var ie *InvariantError
	if assert.ErrorAs(err, &ie) {
		assert.Equal(ids["X"], ie.NodeID)
	}

	_, err = m.InsertChild(ctx, ids["X"], map[string]any{"name": "W"})
	assert.ErrorIs(err, ErrInvariantViolation)

	after, err := m.ListNodes(ctx)
	require.NoError(t, err)
	assert.Equal(before, after)
	assert.ErrorIs(m.Verify(ctx), ErrInvariantViolation)
}

func TestFractionalBoundaryIsRefused(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)
	m := testMaintainer(t, db, DefaultSchema())
	a := insertRoot(t, m, "A")
	insertRoot(t, m, "B")

	// sqlite stores REAL values as is even in a BIGINT column
	require.NoError(t, db.Exec("UPDATE nestedsets SET rgt = 2.5 WHERE id = ?", a).Error)

	_, err := m.GetNode(ctx, a)
	assert.ErrorIs(err, ErrInvariantViolation)
	var ie *InvariantError
	if assert.ErrorAs(err, &ie) {
		assert.Equal(a, ie.NodeID)
	}

	_, err = m.InsertChild(ctx, a, map[string]any{"name": "C"})
	assert.ErrorIs(err, ErrInvariantViolation)
	assert.ErrorIs(m.DeleteWithChildren(ctx, a), ErrInvariantViolation)
	assert.ErrorIs(m.Verify(ctx), ErrInvariantViolation)

	var rgt float64
	require.NoError(t, db.Raw("SELECT rgt FROM nestedsets WHERE id = ?", a).Scan(&rgt).Error)
	assert.Equal(2.5, rgt)
}

func TestDeleteRefusesMiscountedRows(t *testing.T) {
	ctx := context.Background()

	countRows := func(t *testing.T, db *gorm.DB) int64 {
		t.Helper()
		var n int64
		require.NoError(t, db.Raw("SELECT count(*) FROM nestedsets").Scan(&n).Error)
		return n
	}
	plant := func(t *testing.T, db *gorm.DB, name string, left, right int64) {
		t.Helper()
		require.NoError(t, db.Exec("INSERT INTO nestedsets (name, parent_id, lft, rgt) VALUES (?, NULL, ?, ?)", name, left, right).Error)
	}

	t.Run("duplicated left boundary", func(t *testing.T) {
		db := testDB(t)
		m := testMaintainer(t, db, DefaultSchema())
		a := insertRoot(t, m, "A")
		insertRoot(t, m, "B")
		plant(t, db, "dup", 1, 2)

		err := m.DeleteNode(ctx, a)
		assert.ErrorIs(t, err, ErrInvariantViolation)
		assert.ErrorContains(t, err, "share the left boundary")
		assert.Equal(t, int64(3), countRows(t, db))
		assert.Equal(t, [2]int64{3, 4}, bounds(byName(t, m)["B"]))
	})

	t.Run("orphan inside subtree", func(t *testing.T) {
		db := testDB(t)
		m := testMaintainer(t, db, DefaultSchema())
		a := insertRoot(t, m, "A")
		insertChild(t, m, a, "C")
		insertRoot(t, m, "B")
		plant(t, db, "orphan", 3, 3)

		err := m.DeleteWithChildren(ctx, a)
		assert.ErrorIs(t, err, ErrInvariantViolation)
		assert.ErrorContains(t, err, "subtree holds 3 rows")
		assert.Equal(t, int64(4), countRows(t, db))
		assert.Equal(t, [2]int64{5, 6}, bounds(byName(t, m)["B"]))
	})
}

func TestInvariantViolationIsLogged(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	m := testMaintainer(t, db, DefaultSchema())
	a := insertRoot(t, m, "A")
	require.NoError(t, db.Exec("UPDATE nestedsets SET rgt = lft WHERE id = ?", a).Error)

	var buf bytes.Buffer
	m.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.ErrorIs(t, m.DeleteNode(ctx, 42), ErrNodeNotFound)
	assert.Empty(t, buf.String())

	assert.ErrorIs(t, m.DeleteNode(ctx, a), ErrInvariantViolation)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "op=delete_node")
}

func TestDeleteTreeAndTruncate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())

	insertRoot(t, m, "A")
	b := insertRoot(t, m, "B")

	require.NoError(t, m.DeleteTree(ctx))
	assert.Empty(byName(t, m))

	// DeleteTree keeps the key sequence
	c := insertRoot(t, m, "C")
	assert.Greater(c.(int64), b.(int64))
	assert.Equal([2]int64{1, 2}, bounds(byName(t, m)["C"]))

	require.NoError(t, m.Truncate(ctx))
	assert.Empty(byName(t, m))

	d := insertRoot(t, m, "D")
	assert.Equal(int64(1), d)
}

func TestStringKeysAndCustomColumns(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	schema := Schema{
		Table:      "categories",
		PrimaryKey: "slug",
		Parent:     "owner",
		Left:       "lo",
		Right:      "hi",
		KeyFilter:  KeyFilterString,
	}
	m := testMaintainer(t, testDB(t), schema)

	root, err := m.InsertNode(ctx, map[string]any{"slug": "root", "name": "Root"})
	require.NoError(t, err)
	assert.Equal("root", root)

	_, err = m.InsertChild(ctx, "root", map[string]any{"slug": "books", "name": "Books"})
	require.NoError(t, err)
	_, err = m.InsertChild(ctx, "root", map[string]any{"slug": "music", "name": "Music"})
	require.NoError(t, err)

	nodes := byName(t, m)
	assert.Equal([2]int64{1, 6}, bounds(nodes["Root"]))
	assert.Equal("root", nodes["Books"].Parent)
	assert.Equal([2]int64{4, 5}, bounds(nodes["Music"]))

	require.NoError(t, m.DeleteNode(ctx, "root"))
	nodes = byName(t, m)
	assert.Nil(nodes["Books"].Parent)
	assert.Equal([2]int64{1, 2}, bounds(nodes["Books"]))
	assert.Equal([2]int64{3, 4}, bounds(nodes["Music"]))
	assert.NoError(m.Verify(ctx))
}

func TestConcurrentInsertChild(t *testing.T) {
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())
	a := insertRoot(t, m, "A")
	insertRoot(t, m, "B")

	eg := new(errgroup.Group)
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			_, err := m.InsertChild(ctx, a, map[string]any{"name": fmt.Sprintf("c%d", i)})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	desc, err := m.Descendants(ctx, a)
	require.NoError(t, err)
	assert.Len(t, desc, 16)
	assert.NoError(t, m.Verify(ctx))
}

func TestOperationMetrics(t *testing.T) {
	ctx := context.Background()
	m := testMaintainer(t, testDB(t), DefaultSchema())

	ok := testutil.ToFloat64(operationsTotal.WithLabelValues("insert_node", "ok"))
	missing := testutil.ToFloat64(operationsTotal.WithLabelValues("delete_node", "not_found"))

	insertRoot(t, m, "A")
	assert.ErrorIs(t, m.DeleteNode(ctx, 42), ErrNodeNotFound)

	assert.Equal(t, ok+1, testutil.ToFloat64(operationsTotal.WithLabelValues("insert_node", "ok")))
	assert.Equal(t, missing+1, testutil.ToFloat64(operationsTotal.WithLabelValues("delete_node", "not_found")))
}

func TestEnsureTableRejectsBadColumns(t *testing.T) {
	ctx := context.Background()
	m, err := NewMaintainer(testDB(t), DefaultSchema())
	require.NoError(t, err)

	assert.ErrorIs(t, m.EnsureTable(ctx, Column{Name: "lft", Type: "TEXT"}), ErrInvalidSchema)
	assert.ErrorIs(t, m.EnsureTable(ctx, Column{Name: "name", Type: "TEXT); DROP TABLE x; --"}), ErrInvalidSchema)
	assert.NoError(t, m.EnsureTable(ctx, Column{Name: "name", Type: "VARCHAR(64)"}))
	assert.NoError(t, m.EnsureTable(ctx), "second call is a no-op")
}
