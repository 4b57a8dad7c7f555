// Package skiplist implements a concurrent ordered set of int64 keys backed
// by a lazy, lock-based skip list (Herlihy & Shavit's "optimistic" variant).
// Any number of goroutines may call Insert, Remove, and Contains on the same
// Set at once: Contains never blocks, and Insert/Remove use fine-grained
// per-node locking with optimistic validation instead of a single global
// lock.
package skiplist

import (
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// MaxLevel bounds how many forward pointers any node may carry. Sentinels
// sit at exactly MaxLevel; a user node's topLevel is drawn in [1, MaxLevel]
// by randomLevel.
const MaxLevel = 32

// p is the promotion probability used by randomLevel: the expected number
// of nodes reaching level l is N*p^l.
const p = 0.5

// node represents a key participating in the set, or one of the two
// sentinels (head, tail). Sentinels are distinguished from real nodes by
// pointer identity in find, not by a reserved key value, so every finite
// int64 is a legal member key -- there is no sentinel collision to guard
// against.
type node struct {
	mutex       sync.Mutex
	key         int64
	topLevel    int
	marked      atomic.Bool
	fullyLinked atomic.Bool
	next        []atomic.Pointer[node]
}

func newNode(key int64, topLevel int) *node {
	return &node{
		key:      key,
		topLevel: topLevel,
		next:     make([]atomic.Pointer[node], topLevel+1),
	}
}

// Set is a concurrent ordered set of int64 keys.
type Set struct {
	head *node
	tail *node
	size atomic.Int64
}

// New returns an empty Set ready for concurrent use.
func New() *Set {
	head := &node{topLevel: MaxLevel, next: make([]atomic.Pointer[node], MaxLevel+1)}
	tail := &node{topLevel: MaxLevel, next: make([]atomic.Pointer[node], MaxLevel+1)}
	tail.fullyLinked.Store(true)

	for level := 0; level <= MaxLevel; level++ {
		head.next[level].Store(tail)
	}
	head.fullyLinked.Store(true)

	return &Set{head: head, tail: tail}
}

// Len reports the number of keys currently believed to be members. It is a
// cardinality snapshot backed by an atomic counter updated alongside
// successful Insert/Remove calls, not a walk of the list, so it carries no
// ordering guarantee with concurrent mutators beyond what the counter's own
// atomicity provides.
func (s *Set) Len() int {
	return int(s.size.Load())
}

// randPool hands out a goroutine-affine *rand.Rand per randomLevel call so
// level generation never contends on the shared global rand source the way
// a naive rand.Float64() call would under concurrent Insert.
var randPool = sync.Pool{
	New: func() any {
		return rand.New(rand.NewSource(time.Now().UnixNano() + seedSalt.Add(1)))
	},
}

var seedSalt atomic.Int64

// randomLevel draws 1 + Geometric(p), capped at MaxLevel.
func randomLevel() int {
	r := randPool.Get().(*rand.Rand)
	defer randPool.Put(r)

	level := 1
	for r.Float64() < p && level < MaxLevel {
		level++
	}
	return level
}

// find walks the list top-down from head, returning the highest level at
// which key was observed (-1 if never observed) along with the fully
// populated, inclusive [0, MaxLevel] predecessor/successor arrays. find
// performs no locking and never skips marked nodes: callers must revalidate
// whatever they intend to act on.
func (s *Set) find(key int64) (foundLevel int, preds, succs [MaxLevel + 1]*node) {
	foundLevel = -1
	pred := s.head

	for level := MaxLevel; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != s.tail && curr.key < key {
			pred = curr
			curr = pred.next[level].Load()
		}
		if foundLevel == -1 && curr != s.tail && curr.key == key {
			foundLevel = level
		}
		preds[level] = pred
		succs[level] = curr
	}
	return foundLevel, preds, succs
}

// Contains reports whether key is currently a member of s. It never
// acquires a lock and never retries: a node is a member exactly when it is
// both fully linked and unmarked, and that is the entire check.
func (s *Set) Contains(key int64) bool {
	foundLevel, _, succs := s.find(key)
	if foundLevel == -1 {
		return false
	}
	found := succs[foundLevel]
	return found.fullyLinked.Load() && !found.marked.Load()
}

// Insert adds key to s, returning true if it was added and false if key was
// already a member (including a concurrent insert of the same key that wins
// the race).
func (s *Set) Insert(key int64) bool {
	for {
		foundLevel, preds, succs := s.find(key)

		if foundLevel != -1 {
			found := succs[foundLevel]
			if found.marked.Load() {
				// A removal is in flight for this key; retry once it settles.
				continue
			}
			for !found.fullyLinked.Load() {
				// Another goroutine is still publishing this node.
				runtime.Gosched()
			}
			slog.Debug("skiplist insert: already present", "key", key)
			return false
		}

		top := randomLevel()
		locked := make(map[*node]struct{}, top+1)
		valid := true

		for level := 0; valid && level <= top; level++ {
			pred := preds[level]
			if _, ok := locked[pred]; !ok {
				pred.mutex.Lock()
				locked[pred] = struct{}{}
			}
			succ := succs[level]
			valid = !pred.marked.Load() && !succ.marked.Load() && pred.next[level].Load() == succ
		}

		if !valid {
			unlockAll(locked)
			continue
		}

		created := newNode(key, top)
		for level := 0; level <= top; level++ {
			created.next[level].Store(succs[level])
		}
		for level := 0; level <= top; level++ {
			preds[level].next[level].Store(created)
		}
		created.fullyLinked.Store(true)

		unlockAll(locked)
		s.size.Add(1)
		slog.Debug("skiplist insert: added", "key", key, "topLevel", top)
		return true
	}
}

// Remove deletes key from s, returning true if it was removed and false if
// key was not a member.
func (s *Set) Remove(key int64) bool {
	var victim *node
	marked := false
	top := -1

	for {
		foundLevel, preds, succs := s.find(key)

		if !marked {
			if foundLevel == -1 {
				return false
			}
			candidate := succs[foundLevel]
			if !candidate.fullyLinked.Load() || candidate.marked.Load() || candidate.topLevel != foundLevel {
				return false
			}

			victim = candidate
			top = victim.topLevel

			victim.mutex.Lock()
			if victim.marked.Load() {
				victim.mutex.Unlock()
				return false
			}
			victim.marked.Store(true)
			marked = true
		}

		locked := make(map[*node]struct{}, top+1)
		valid := true

		for level := 0; valid && level <= top; level++ {
			pred := preds[level]
			if _, ok := locked[pred]; !ok {
				pred.mutex.Lock()
				locked[pred] = struct{}{}
			}
			valid = !pred.marked.Load() && pred.next[level].Load() == victim
		}

		if !valid {
			unlockAll(locked)
			continue
		}

		for level := top; level >= 0; level-- {
			preds[level].next[level].Store(victim.next[level].Load())
		}

		victim.mutex.Unlock()
		unlockAll(locked)
		s.size.Add(-1)
		slog.Debug("skiplist remove: removed", "key", key, "topLevel", top)
		return true
	}
}

func unlockAll(locked map[*node]struct{}) {
	for n := range locked {
		n.mutex.Unlock()
	}
}
