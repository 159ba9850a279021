// Package hlc implements a Hybrid Logical Clock.
//
// From Kulkarni et al. (2014), an HLC combines a physical wall-clock
// component with a logical counter so that timestamps are close to real
// time yet still capture causality:
//
//	send/local event: if wall time advanced, take it and reset the
//	     counter; otherwise keep the physical component and bump the
//	     counter. Successive local timestamps are strictly increasing
//	     even when the wall clock stalls or steps backwards.
//	receive: take the max physical component of (own, remote, wall);
//	     the counter continues from whichever side supplied the max,
//	     or resets to zero when fresh wall time wins.
//
// A stable replica id embedded in every timestamp breaks ties, giving
// all replicas the same total order without coordination. The string
// form is fixed-width so that plain byte comparison of encoded
// timestamps equals causal comparison — encoded clocks can be used
// directly as SQL ORDER BY keys and pagination cursors.
//
// Note: Clock is an immutable value; advancing operations return a new
// Clock. Serializing access to the "current" clock of a replica is the
// store's job (it persists the clock inside the same transaction that
// consumes a timestamp).
package hlc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidClock is returned by Parse for malformed input. Malformed
// timestamps are never coerced; an event carrying one cannot be merged.
var ErrInvalidClock = errors.New("invalid clock string")

const (
	physicalDigits = 15
	logicalDigits  = 5

	// maxLogical is the largest counter encodable in 5 base36 chars.
	// The counter resets whenever wall time advances, so in practice
	// it stays tiny; ~60M increments inside one millisecond would be
	// needed to reach this.
	maxLogical = 36*36*36*36*36 - 1
)

// Clock is one HLC timestamp: wall time in milliseconds since epoch, a
// logical tie-breaker, and the id of the replica that produced it.
type Clock struct {
	Physical  int64
	Logical   uint32
	ReplicaID string
}

// New returns a zero clock for the given replica. An empty replicaID
// gets a fresh random id.
func New(replicaID string) Clock {
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	return Clock{ReplicaID: replicaID}
}

// Increment advances the clock for a local event. If wall time has
// passed the physical component, the physical component catches up and
// the counter resets; otherwise only the counter advances. The result
// strictly exceeds c.
func (c Clock) Increment(now time.Time) Clock {
	wall := now.UnixMilli()
	if c.Physical < wall {
		return Clock{Physical: wall, Logical: 0, ReplicaID: c.ReplicaID}
	}
	return Clock{Physical: c.Physical, Logical: c.Logical + 1, ReplicaID: c.ReplicaID}
}

// Receive merges a remote timestamp into the clock. The result is >=
// both inputs and >= wall time, so the merged clock causally dominates
// everything seen so far. The replica id is always c's own.
func (c Clock) Receive(other Clock, now time.Time) Clock {
	wall := now.UnixMilli()
	switch {
	case wall > c.Physical && wall > other.Physical:
		return Clock{Physical: wall, Logical: 0, ReplicaID: c.ReplicaID}
	case c.Physical == other.Physical:
		l := c.Logical
		if other.Logical > l {
			l = other.Logical
		}
		return Clock{Physical: c.Physical, Logical: l + 1, ReplicaID: c.ReplicaID}
	case c.Physical > other.Physical:
		return Clock{Physical: c.Physical, Logical: c.Logical + 1, ReplicaID: c.ReplicaID}
	default:
		return Clock{Physical: other.Physical, Logical: other.Logical + 1, ReplicaID: c.ReplicaID}
	}
}

// Compare orders two clocks lexicographically over (physical, logical,
// replica id). Returns -1, 0, or +1.
func Compare(a, b Clock) int {
	if a.Physical != b.Physical {
		if a.Physical < b.Physical {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ReplicaID, b.ReplicaID)
}

// String encodes the clock as "<15-digit physical>-<5-char base36
// logical>-<replica id>". The encoding is fixed-width in its numeric
// components, so byte ordering of encoded clocks from well-formed
// input equals Compare ordering.
func (c Clock) String() string {
	logical := strconv.FormatUint(uint64(c.Logical), 36)
	if pad := logicalDigits - len(logical); pad > 0 {
		logical = strings.Repeat("0", pad) + logical
	}
	return fmt.Sprintf("%015d-%s-%s", c.Physical, logical, c.ReplicaID)
}

// Parse decodes a clock produced by String. The round trip is exact.
func Parse(s string) (Clock, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Clock{}, fmt.Errorf("%w: %q: want 3 dash-separated parts", ErrInvalidClock, s)
	}
	if len(parts[0]) != physicalDigits || !isDecimal(parts[0]) {
		return Clock{}, fmt.Errorf("%w: %q: physical part must be %d digits", ErrInvalidClock, s, physicalDigits)
	}
	physical, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Clock{}, fmt.Errorf("%w: %q: physical: %v", ErrInvalidClock, s, err)
	}
	if len(parts[1]) != logicalDigits || !isLowerBase36(parts[1]) {
		return Clock{}, fmt.Errorf("%w: %q: logical part must be %d base36 chars", ErrInvalidClock, s, logicalDigits)
	}
	logical, err := strconv.ParseUint(parts[1], 36, 64)
	if err != nil || logical > maxLogical {
		return Clock{}, fmt.Errorf("%w: %q: logical: not base36 uint32", ErrInvalidClock, s)
	}
	if parts[2] == "" {
		return Clock{}, fmt.Errorf("%w: %q: empty replica id", ErrInvalidClock, s)
	}
	return Clock{Physical: physical, Logical: uint32(logical), ReplicaID: parts[2]}, nil
}

// isDecimal reports whether s is entirely ASCII digits. strconv alone
// would also take a sign prefix, whose raw bytes break the
// encoded-order-equals-causal-order property.
func isDecimal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isLowerBase36 reports whether s uses only the digits String emits.
// Uppercase base36 parses to the same value but sorts differently as
// bytes, so it is rejected as non-canonical.
func isLowerBase36(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// ReplicaOf extracts the replica id from an encoded clock without a
// full parse. Returns "" for malformed input.
func ReplicaOf(s string) string {
	if len(s) < physicalDigits+1+logicalDigits+2 {
		return ""
	}
	return s[physicalDigits+1+logicalDigits+1:]
}

// CompareStrings orders two encoded clocks. Well-formed encoded clocks
// compare correctly as plain bytes; this helper exists so call sites
// read as a clock comparison rather than a string comparison.
func CompareStrings(a, b string) int {
	return strings.Compare(a, b)
}
