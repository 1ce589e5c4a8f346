package hierarchy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrCycle          = errors.New("hierarchy: cycle detected")
	ErrNodeNotFound   = errors.New("hierarchy: node not found")
	ErrDuplicateNode  = errors.New("hierarchy: node already exists")
	ErrInvalidParent  = errors.New("hierarchy: invalid parent")
	ErrOrphanedBook   = errors.New("hierarchy: book has no path to a firm")
	ErrHasDescendants = errors.New("hierarchy: node has children")
)

// NodeID identifies a hierarchy node within a tenant.
type NodeID string

// Level is the fixed organisational level of a node.
type Level int32

const (
	LevelUnknown Level = iota
	LevelFirm
	LevelFund
	LevelPM
	LevelStrategy
	LevelBook
)

func (l Level) String() string {
	switch l {
	case LevelFirm:
		return "firm"
	case LevelFund:
		return "fund"
	case LevelPM:
		return "pm"
	case LevelStrategy:
		return "strategy"
	case LevelBook:
		return "book"
	default:
		return "unknown"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "firm":
		return LevelFirm
	case "fund":
		return LevelFund
	case "pm":
		return LevelPM
	case "strategy":
		return LevelStrategy
	case "book":
		return LevelBook
	default:
		return LevelUnknown
	}
}

// Parent returns the level directly above l.
func (l Level) Parent() Level {
	if l <= LevelFirm || l > LevelBook {
		return LevelUnknown
	}
	return l - 1
}

// Node is one vertex of the tree. Firms have an empty Parent.
type Node struct {
	ID     NodeID
	Level  Level
	Name   string
	Parent NodeID
}

// Tree is the Firm → Fund → PM → Strategy → Book hierarchy of one tenant.
// Every child sits exactly one level below its parent.
type Tree struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Node
	children map[NodeID]map[NodeID]struct{}
	version  uint64
}

func NewTree() *Tree {
	return &Tree{
		nodes:    make(map[NodeID]*Node),
		children: make(map[NodeID]map[NodeID]struct{}),
	}
}

// AddNode inserts a node. Firms must have no parent; every other level must
// name an existing parent exactly one level up.
func (t *Tree) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidParent)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	if err := t.checkParentLocked(n.ID, n.Level, n.Parent); err != nil {
		return err
	}

	node := n
	t.nodes[n.ID] = &node
	if n.Parent != "" {
		if t.children[n.Parent] == nil {
			t.children[n.Parent] = make(map[NodeID]struct{})
		}
		t.children[n.Parent][n.ID] = struct{}{}
	}
	t.version++
	return nil
}

func (t *Tree) checkParentLocked(id NodeID, level Level, parent NodeID) error {
	if level == LevelUnknown {
		return fmt.Errorf("%w: node %s has unknown level", ErrInvalidParent, id)
	}
	if level == LevelFirm {
		if parent != "" {
			return fmt.Errorf("%w: firm %s cannot have a parent", ErrInvalidParent, id)
		}
		return nil
	}
	p, ok := t.nodes[parent]
	if !ok {
		return fmt.Errorf("%w: parent %q of %s", ErrNodeNotFound, parent, id)
	}
	if p.Level != level.Parent() {
		return fmt.Errorf("%w: %s (%s) cannot sit under %s (%s)",
			ErrInvalidParent, id, level, parent, p.Level)
	}
	return nil
}

// Move re-parents a node. Moving a node beneath itself or any of its
// descendants is a cycle and is rejected.
func (t *Tree) Move(id, newParent NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	for cur := newParent; cur != ""; {
		if cur == id {
			return fmt.Errorf("%w: moving %s under %s", ErrCycle, id, newParent)
		}
		p, ok := t.nodes[cur]
		if !ok {
			break
		}
		cur = p.Parent
	}
	if err := t.checkParentLocked(id, n.Level, newParent); err != nil {
		return err
	}

	if n.Parent != "" {
		delete(t.children[n.Parent], id)
	}
	n.Parent = newParent
	if t.children[newParent] == nil {
		t.children[newParent] = make(map[NodeID]struct{})
	}
	t.children[newParent][id] = struct{}{}
	t.version++
	return nil
}

// Remove deletes a leaf node.
func (t *Tree) Remove(id NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if len(t.children[id]) > 0 {
		return fmt.Errorf("%w: %s", ErrHasDescendants, id)
	}
	if n.Parent != "" {
		delete(t.children[n.Parent], id)
	}
	delete(t.children, id)
	delete(t.nodes, id)
	t.version++
	return nil
}

func (t *Tree) Node(id NodeID) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return *n, nil
}

// Children returns the direct children of id, sorted.
func (t *Tree) Children(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.children[id])
}

// Ancestors returns the chain from the parent of id up to its firm.
func (t *Tree) Ancestors(id NodeID) ([]NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ancestorsLocked(id)
}

func (t *Tree) ancestorsLocked(id NodeID) ([]NodeID, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	var out []NodeID
	seen := map[NodeID]bool{id: true}
	for cur := n.Parent; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: at %s", ErrCycle, cur)
		}
		seen[cur] = true
		p, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrOrphanedBook, id)
		}
		out = append(out, cur)
		cur = p.Parent
	}
	return out, nil
}

// DescendantBooks returns the books at or below id, sorted. A book returns
// itself; a node without books returns an empty slice.
func (t *Tree) DescendantBooks(id NodeID) ([]NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Level == LevelBook {
		return []NodeID{id}, nil
	}

	books := []NodeID{}
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range t.children[cur] {
			if t.nodes[child].Level == LevelBook {
				books = append(books, child)
			} else {
				stack = append(stack, child)
			}
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i] < books[j] })
	return books, nil
}

// Contains reports whether descendant is id or sits below it.
func (t *Tree) Contains(id, descendant NodeID) bool {
	if id == descendant {
		t.mu.RLock()
		_, ok := t.nodes[id]
		t.mu.RUnlock()
		return ok
	}
	anc, err := t.Ancestors(descendant)
	if err != nil {
		return false
	}
	for _, a := range anc {
		if a == id {
			return true
		}
	}
	return false
}

// Nodes returns every node at the given level (or all nodes for
// LevelUnknown), sorted by id.
func (t *Tree) Nodes(level Level) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if level == LevelUnknown || n.Level == level {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks that every book reaches a firm and no cycle exists.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, n := range t.nodes {
		anc, err := t.ancestorsLocked(id)
		if err != nil {
			return err
		}
		if n.Level == LevelFirm {
			continue
		}
		if len(anc) == 0 || t.nodes[anc[len(anc)-1]].Level != LevelFirm {
			return fmt.Errorf("%w: %s", ErrOrphanedBook, id)
		}
	}
	return nil
}

// Version increments on every structural change.
func (t *Tree) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func sortedKeys(m map[NodeID]struct{}) []NodeID {
	out := make([]NodeID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
