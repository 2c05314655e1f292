package resource

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Status of a resource as set by administrators.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Definition is the static description of one resource, as read from
// configuration at startup.
type Definition struct {
	Name          string
	Type          string
	Parent        string
	Host          string
	Vault         string
	Context       string
	Status        Status
	MaxObjectSize int64
	CreatedAt     time.Time
}

// Node is one resource in the tree. Children are ordered by creation time.
type Node struct {
	Name          string
	ID            int64
	Type          string
	Parent        *Node
	Children      []*Node
	Context       string
	Host          string
	Vault         string
	Status        Status
	MaxObjectSize int64
	CreatedAt     time.Time
}

func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

func (n *Node) IsUp() bool { return n.Status != StatusDown }

// PhysicalPathFor maps a logical path into this resource's vault by
// dropping the zone component.
func (n *Node) PhysicalPathFor(logicalPath string) string {
	rel := strings.TrimPrefix(logicalPath, "/")
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		rel = rel[i+1:]
	} else {
		rel = ""
	}
	return path.Join(n.Vault, rel)
}

// Tree is the immutable in-process resource hierarchy. It is built once
// and only read afterwards, so it is safe for concurrent use.
type Tree struct {
	nodes map[string]*Node
	roots []*Node
}

// NewTree builds a tree from flat definitions. Definitions without an
// explicit creation time are ordered by their position in defs.
func NewTree(defs []Definition) (*Tree, error) {
	t := &Tree{nodes: make(map[string]*Node, len(defs))}
	base := time.Unix(0, 0)

	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("resource at index %d has no name", i)
		}
		if strings.Contains(d.Name, Separator) {
			return nil, fmt.Errorf("resource name %q contains the hierarchy separator", d.Name)
		}
		if _, exists := t.nodes[d.Name]; exists {
			return nil, fmt.Errorf("duplicate resource %q", d.Name)
		}
		created := d.CreatedAt
		if created.IsZero() {
			created = base.Add(time.Duration(i) * time.Second)
		}
		status := d.Status
		if status == "" {
			status = StatusUp
		}
		t.nodes[d.Name] = &Node{
			Name:          d.Name,
			ID:            int64(i + 1),
			Type:          d.Type,
			Context:       d.Context,
			Host:          d.Host,
			Vault:         d.Vault,
			Status:        status,
			MaxObjectSize: d.MaxObjectSize,
			CreatedAt:     created,
		}
	}

	for _, d := range defs {
		n := t.nodes[d.Name]
		if d.Parent == "" {
			t.roots = append(t.roots, n)
			continue
		}
		parent, ok := t.nodes[d.Parent]
		if !ok {
			return nil, fmt.Errorf("resource %q has unknown parent %q", d.Name, d.Parent)
		}
		n.Parent = parent
		parent.Children = append(parent.Children, n)
	}

	for _, n := range t.nodes {
		if err := checkCycle(n); err != nil {
			return nil, err
		}
		sortByCreation(n.Children)
	}
	sortByCreation(t.roots)

	for _, n := range t.nodes {
		if n.IsLeaf() && n.Host == "" {
			return nil, fmt.Errorf("leaf resource %q has no host", n.Name)
		}
	}

	return t, nil
}

func checkCycle(n *Node) error {
	seen := map[*Node]bool{}
	for cur := n; cur != nil; cur = cur.Parent {
		if seen[cur] {
			return fmt.Errorf("resource %q is part of a parent cycle", n.Name)
		}
		seen[cur] = true
	}
	return nil
}

func sortByCreation(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// Node returns the named resource.
func (t *Tree) Node(name string) (*Node, bool) {
	n, ok := t.nodes[name]
	return n, ok
}

// Roots returns the root resources ordered by creation time.
func (t *Tree) Roots() []*Node {
	return t.roots
}

// Len returns the number of resources.
func (t *Tree) Len() int { return len(t.nodes) }

// HierarchyOf builds the root to node hierarchy for a resource.
func (t *Tree) HierarchyOf(name string) (Hierarchy, error) {
	n, ok := t.nodes[name]
	if !ok {
		return nil, fmt.Errorf("resource %q does not exist", name)
	}
	var h Hierarchy
	for cur := n; cur != nil; cur = cur.Parent {
		h = append(Hierarchy{cur.Name}, h...)
	}
	return h, nil
}

// ValidateHierarchy checks that h is a complete root to leaf path in the tree.
func (t *Tree) ValidateHierarchy(h Hierarchy) error {
	if len(h) == 0 {
		return fmt.Errorf("hierarchy is empty")
	}
	var parent *Node
	for i, name := range h {
		n, ok := t.nodes[name]
		if !ok {
			return fmt.Errorf("resource %q in hierarchy %q does not exist", name, h)
		}
		if n.Parent != parent {
			if i == 0 {
				return fmt.Errorf("hierarchy %q does not start at a root resource", h)
			}
			return fmt.Errorf("resource %q is not a child of %q", name, h[i-1])
		}
		parent = n
	}
	if !parent.IsLeaf() {
		return fmt.Errorf("hierarchy %q does not end at a leaf resource", h)
	}
	return nil
}

// LeafNode resolves and validates a serialized hierarchy, returning its leaf.
func (t *Tree) LeafNode(hier string) (*Node, error) {
	h, err := ParseHierarchy(hier)
	if err != nil {
		return nil, err
	}
	if err := t.ValidateHierarchy(h); err != nil {
		return nil, err
	}
	return t.nodes[h.Leaf()], nil
}

// Walk visits every node depth first in creation order.
func (t *Tree) Walk(fn func(n *Node, depth int)) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range t.roots {
		visit(r, 0)
	}
}
