// Package memlist implements the intrusive doubly-linked list that chains
// free chunks, regions and handlers throughout the allocator. It is the L0
// layer: a generic list whose nodes are embedded directly inside the
// structures they link, including raw freelist memory.
//
// The list head uses two explicit boundary nodes (sentHead, sentTail) rather
// than the overlapping-field pointer-punning trick the node/list-head types
// shared in the original C implementation. Iteration still never branches on
// the endpoints: walking succ from sentHead and pred from sentTail both
// terminate naturally on the opposite sentinel.
package memlist

import (
	"unsafe"

	"github.com/execmem/execmem/internal/execerr"
)

// Node is the intrusive link pair embedded in every list element. Embedding
// types (FreeChunk, Region, MemHandler, ...) must place Node as their first
// field: code that walks raw freelist memory recovers the owner by casting
// the *Node back with unsafe.Pointer, which is only valid at a zero offset.
type Node struct {
	succ *Node
	pred *Node
}

// poisonAddr is written into the link fields of a node immediately after it
// is unlinked. It is not a valid node address; any code path that still
// dereferences succ/pred after Unlink segfaults immediately instead of
// quietly corrupting a list it no longer belongs to.
const poisonAddr = uintptr(0xDEADCAFF)

func poison() *Node { return (*Node)(unsafe.Pointer(poisonAddr)) } //nolint:govet

// IsLinked reports whether n is a "real" node: spliced into some list, as
// opposed to unlinked (poisoned or zero) or a sentinel.
func (n *Node) IsLinked() bool {
	return n.succ != nil && n.pred != nil && n.succ != poison() && n.pred != poison()
}

// List is a doubly-linked list with sentinel head and tail nodes.
type List struct {
	sentHead Node
	sentTail Node
}

// New returns an initialized, empty List.
func New() *List {
	l := &List{}
	l.Init()

	return l
}

// Init resets l to the empty state. It must be called before any other
// method when a List is embedded by value rather than built with New.
func (l *List) Init() {
	l.sentHead.succ = &l.sentTail
	l.sentHead.pred = nil
	l.sentTail.pred = &l.sentHead
	l.sentTail.succ = nil
}

// IsEmpty reports whether l has no real nodes.
func (l *List) IsEmpty() bool {
	return l.sentHead.succ == &l.sentTail
}

// First returns the first real node, or nil if l is empty.
func (l *List) First() *Node {
	if l.IsEmpty() {
		return nil
	}

	return l.sentHead.succ
}

// Last returns the last real node, or nil if l is empty.
func (l *List) Last() *Node {
	if l.IsEmpty() {
		return nil
	}

	return l.sentTail.pred
}

// Next returns the node following n, or nil once n is the last real node.
// n must be real or the head sentinel (i.e. obtained from l itself).
func (l *List) Next(n *Node) *Node {
	if n.succ == &l.sentTail {
		return nil
	}

	return n.succ
}

func assertUnlinked(n *Node, op string) {
	if n.succ != nil || n.pred != nil {
		if n.IsLinked() {
			panic(execerr.AlreadyLinked(op))
		}
		// Links are non-nil but poisoned: use-after-unlink, not a double-add.
		panic(execerr.UseAfterUnlink(op))
	}
}

func assertLinked(n *Node, op string) {
	if !n.IsLinked() {
		panic(execerr.NotLinked(op))
	}
}

// spliceBetween links n in between after and before, which must already be
// adjacent (after.succ == before, before.pred == after).
func spliceBetween(n, after, before *Node) {
	n.pred = after
	n.succ = before
	after.succ = n
	before.pred = n
}

// AddHead inserts n as the new first real node. n must be unlinked.
func (l *List) AddHead(n *Node) {
	assertUnlinked(n, "AddHead")
	spliceBetween(n, &l.sentHead, l.sentHead.succ)
}

// AddTail inserts n as the new last real node. n must be unlinked.
func (l *List) AddTail(n *Node) {
	assertUnlinked(n, "AddTail")
	spliceBetween(n, l.sentTail.pred, &l.sentTail)
}

// AddAfter inserts n immediately after after. A nil after is equivalent to
// AddHead; an after that is the tail sentinel is equivalent to AddTail.
func (l *List) AddAfter(n, after *Node) {
	if after == nil {
		l.AddHead(n)
		return
	}

	if after == &l.sentTail {
		l.AddTail(n)
		return
	}

	assertUnlinked(n, "AddAfter")
	spliceBetween(n, after, after.succ)
}

// KeyFunc extracts the sort key used by AddSorted from a real node.
type KeyFunc func(*Node) int64

// AddSorted walks from the head and inserts n immediately before the first
// real node whose key is strictly less than n's key (as returned by key).
// Nodes with an equal key are walked past, so equal keys are ordered FIFO:
// a later AddSorted call with a tying key lands after earlier ones.
func (l *List) AddSorted(n *Node, key KeyFunc) {
	assertUnlinked(n, "AddSorted")

	k := key(n)

	for cur := l.sentHead.succ; cur != &l.sentTail; cur = cur.succ {
		if key(cur) < k {
			spliceBetween(n, cur.pred, cur)
			return
		}
	}

	spliceBetween(n, l.sentTail.pred, &l.sentTail)
}

// Unlink removes n from whatever list it is spliced into and poisons its
// links. n must be a real (linked) node.
func Unlink(n *Node) {
	assertLinked(n, "Unlink")

	n.pred.succ = n.succ
	n.succ.pred = n.pred
	n.succ = poison()
	n.pred = poison()
}

// RemHead unlinks and returns the first real node, or nil if l is empty.
func (l *List) RemHead() *Node {
	n := l.First()
	if n == nil {
		return nil
	}

	Unlink(n)

	return n
}

// RemTail unlinks and returns the last real node, or nil if l is empty.
func (l *List) RemTail() *Node {
	n := l.Last()
	if n == nil {
		return nil
	}

	Unlink(n)

	return n
}

// NameFunc extracts a comparable name from a real node, for FindByName.
type NameFunc func(*Node) string

// FindByName returns the first real node whose name equals name, or nil.
func (l *List) FindByName(name string, nameOf NameFunc) *Node {
	for cur := l.sentHead.succ; cur != &l.sentTail; cur = cur.succ {
		if nameOf(cur) == name {
			return cur
		}
	}

	return nil
}

// Each calls fn for every real node in order, stopping early if fn returns
// false. fn must not mutate the list it is iterating.
func (l *List) Each(fn func(*Node) bool) {
	for cur := l.sentHead.succ; cur != &l.sentTail; cur = cur.succ {
		if !fn(cur) {
			return
		}
	}
}

// EachReverse calls fn for every real node from tail to head, stopping early
// if fn returns false. fn must not mutate the list it is iterating.
func (l *List) EachReverse(fn func(*Node) bool) {
	for cur := l.sentTail.pred; cur != &l.sentHead; cur = cur.pred {
		if !fn(cur) {
			return
		}
	}
}

// Replace splices new into the position currently occupied by old (which
// must be linked), then unlinks old. Used to "move" a list member to a new
// address overlay without disturbing its neighbours' order.
func Replace(old, new *Node) {
	assertLinked(old, "Replace")
	assertUnlinked(new, "Replace")

	after := old.pred
	before := old.succ
	after.succ = new
	before.pred = new
	new.pred = after
	new.succ = before
	old.succ = poison()
	old.pred = poison()
}

// Len counts the real nodes in l. O(n); intended for tests and diagnostics.
func (l *List) Len() int {
	n := 0
	l.Each(func(*Node) bool { n++; return true })

	return n
}
