package wamp

import (
	"math/rand"
	"sync"
)

const maxID int64 = 1 << 53

// GlobalID returns a random ID drawn from the global scope.
func GlobalID() ID {
	return ID(rand.Int63n(maxID))
}

// IDGen generates sequential request IDs for a session, starting at 1 and
// wrapping around at 2^53 (both inclusive).  The upper bound keeps IDs
// exactly representable in IEEE-754 doubles for the benefit of peers written
// in languages without 64-bit integers.
//
// See https://github.com/wamp-proto/wamp-proto/blob/master/spec/basic.md#ids
type IDGen struct {
	next int64
}

// Next returns the next ID in the sequence.  Not safe for concurrent use;
// see SyncIDGen.
func (g *IDGen) Next() ID {
	g.next++
	if g.next > maxID {
		g.next = 1
	}
	return ID(g.next)
}

// SyncIDGen is an IDGen safe for concurrent use.  Sessions draw request IDs
// from one of these, since operations run on arbitrary goroutines.
type SyncIDGen struct {
	IDGen
	lock sync.Mutex
}

// Next returns the next ID in the sequence.
func (g *SyncIDGen) Next() ID {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.IDGen.Next()
}
