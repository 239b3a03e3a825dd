// Package workspace presents a remote repository as a tree of lazily loaded
// directories and files, tracks which files hold edits the host has not seen,
// and writes those edits back as a single commit.
//
// All node state belongs to a Repository and is guarded by its lock. The lock
// is never held across a backend call: an operation marks its node busy, calls
// the host, then re-acquires the lock to apply the result. Results that arrive
// for nodes no longer reachable from the root are discarded.
package workspace

import (
	"strings"
)

// Node is a Directory or a File. The set is closed; dispatch with a type switch.
type Node interface {
	Name() string
	// Path is the slash separated path from the repository root; the root is "".
	Path() string
	Parent() *Directory
	Dirty() bool

	node()
}

type nodeBase struct {
	repo *Repository
	// parent does not own the node; it is used for paths and name checks only.
	parent *Directory
	name   string
}

func (n *nodeBase) node() {}

func (n *nodeBase) Name() string {
	return n.name
}

func (n *nodeBase) Parent() *Directory {
	return n.parent
}

func (n *nodeBase) Path() string {
	var parts []string
	for cur := n; cur.parent != nil; cur = &cur.parent.nodeBase {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func childPath(dir *Directory, name string) string {
	if p := dir.Path(); p != "" {
		return p + "/" + name
	}
	return name
}

// attachedLocked reports whether n is still reachable from the repository root.
// Nodes dropped by a reload or a new root keep their parent pointer, so
// membership is checked at every level.
func (r *Repository) attachedLocked(n Node) bool {
	if r.closed || r.root == nil {
		return false
	}
	cur := n
	for {
		parent := cur.Parent()
		if parent == nil {
			d, ok := cur.(*Directory)
			return ok && d == r.root
		}
		found := false
		for _, c := range parent.children {
			if c == cur {
				found = true
				break
			}
		}
		if !found {
			return false
		}
		cur = parent
	}
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
