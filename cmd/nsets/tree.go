package main

import (
	"fmt"

	"github.com/bluesky-social/nestedsets/nestedsets"

	"github.com/xlab/treeprint"
)

// renderTree draws nodes, which must be in left boundary order, as an
// indented forest under a root named after the table.
func renderTree(table string, nodes []nestedsets.Node, label string) string {
	type open struct {
		node   nestedsets.Node
		branch treeprint.Tree
	}

	tree := treeprint.NewWithRoot(table)
	var stack []open
	for _, n := range nodes {
		for len(stack) > 0 && stack[len(stack)-1].node.Right < n.Left {
			stack = stack[:len(stack)-1]
		}
		parent := tree
		if len(stack) > 0 {
			parent = stack[len(stack)-1].branch
		}

		text := displayNode(n, label)
		if nestedsets.HasChildren(n) {
			stack = append(stack, open{node: n, branch: parent.AddBranch(text)})
		} else {
			parent.AddNode(text)
		}
	}
	return tree.String()
}

func displayNode(n nestedsets.Node, label string) string {
	s := fmt.Sprintf("[%v]", n.ID)
	if v, ok := n.Fields[label]; ok && v != nil {
		s += fmt.Sprintf(" %v", v)
	}
	return s + fmt.Sprintf(" (%d, %d)", n.Left, n.Right)
}
