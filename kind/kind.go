// Package kind implements a compact classification scheme for runtime values
// based on bit-packed uint64 tags. A Kind carries its own 8-bit id in the low
// byte and the ids of up to seven ancestor kinds in the higher bytes, so
// "is-a" checks reduce to byte comparisons instead of reflection. The engine
// uses kinds to classify queued items (events, timers, termination envelopes)
// where Go type switches cannot see through struct embedding.
package kind

import "sync/atomic"

const (
	idBits = 8                 // bits per kind id
	depth  = 64 / idBits       // ancestor slots in one value
	idMask = (1 << idBits) - 1 // low-byte extraction mask
)

// Kind is a bit-packed tag: the low byte is the kind's own id, higher bytes
// hold ancestor ids consulted by Is.
type Kind = uint64

var counter uint64

// Make allocates a Kind with a fresh id, inheriting from the given bases.
// Ancestor ids of every base are folded into the new value, deduplicated.
// Ids start at 1; 0 marks an unused ancestor slot. Safe for concurrent use;
// intended for package-level var blocks.
func Make(bases ...Kind) Kind {
	id := atomic.AddUint64(&counter, 1)
	k := id & idMask
	seen := map[Kind]struct{}{}
	for _, base := range bases {
		for slot := 0; slot < depth; slot++ {
			ancestor := (base >> (idBits * slot)) & idMask
			if ancestor == 0 && slot > 0 {
				break
			}
			if _, ok := seen[ancestor]; ok {
				continue
			}
			seen[ancestor] = struct{}{}
			k |= ancestor << (idBits * len(seen))
		}
	}
	return k
}

// Is reports whether k is, or inherits from, any of the given bases.
func Is(k Kind, bases ...Kind) bool {
	for _, base := range bases {
		want := base & idMask
		for slot := 0; slot < depth; slot++ {
			if (k>>(idBits*slot))&idMask == want {
				return true
			}
		}
	}
	return false
}

// Ancestors returns the ancestor ids packed into k, nearest first. Zero
// entries mark unused slots.
func Ancestors(k Kind) [depth]Kind {
	var out [depth]Kind
	for slot := 1; slot < depth; slot++ {
		out[slot-1] = (k >> (idBits * slot)) & idMask
	}
	return out
}
