// Package vector implements the fixed-arity resource vectors the
// safety engine and cgroup manager exchange: componentwise-ordered
// tuples of non-negative quantities, one slot per resource class.
package vector

import (
	"errors"
	"fmt"
	"strings"
)

// ErrArityMismatch is returned whenever a Vector's length does not
// match the arity the caller declared at init time. Mismatched arity
// is a hard error: it is never silently truncated or zero-padded.
var ErrArityMismatch = errors.New("vector: arity mismatch")

// Vector is a fixed-arity tuple of resource quantities. The zero value
// is not meaningful on its own; vectors are always created relative to
// a Names list that fixes their arity.
type Vector []int64

// New returns a Vector of the given arity, all slots zeroed.
func New(arity int) Vector {
	return make(Vector, arity)
}

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Check validates that v has exactly arity slots and that every slot
// is non-negative.
func (v Vector) Check(arity int) error {
	if len(v) != arity {
		return fmt.Errorf("%w: got %d slots, want %d", ErrArityMismatch, len(v), arity)
	}
	for i, x := range v {
		if x < 0 {
			return fmt.Errorf("vector: slot %d is negative (%d)", i, x)
		}
	}
	return nil
}

// LessEq reports whether v ≤ w componentwise. Both vectors must have
// the same length; mismatched lengths panic, since that indicates a
// programming error, not a client input error (callers validate arity
// with Check before vectors ever reach this far).
func (v Vector) LessEq(w Vector) bool {
	mustMatch(v, w)
	for i := range v {
		if v[i] > w[i] {
			return false
		}
	}
	return true
}

// Add returns v + w componentwise.
func (v Vector) Add(w Vector) Vector {
	mustMatch(v, w)
	out := make(Vector, len(v))
	for i := range v {
		out[i] = v[i] + w[i]
	}
	return out
}

// Sub returns v − w componentwise. It does not clamp at zero; callers
// that require non-negative results validate with Check afterwards.
func (v Vector) Sub(w Vector) Vector {
	mustMatch(v, w)
	out := make(Vector, len(v))
	for i := range v {
		out[i] = v[i] - w[i]
	}
	return out
}

// IsZero reports whether every slot of v is zero.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Format renders v as a comma-separated list, optionally labelled with
// names (e.g. "cpu_percent=40,memory_mib=512"). Slots with no
// corresponding name (names nil or shorter than v) are rendered
// positionally.
func (v Vector) Format(names []string) string {
	parts := make([]string, len(v))
	for i, x := range v {
		if i < len(names) {
			parts[i] = fmt.Sprintf("%s=%d", names[i], x)
		} else {
			parts[i] = fmt.Sprintf("%d", x)
		}
	}
	return strings.Join(parts, ",")
}

func mustMatch(v, w Vector) {
	if len(v) != len(w) {
		panic(fmt.Sprintf("vector: length mismatch %d vs %d", len(v), len(w)))
	}
}
