// Package difficulty provides support for the compact proof of work
// difficulty representation and for retargeting it from observed block times.
package difficulty

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// Set of bounds and defaults for the compact difficulty encoding. A compact
// value is 1 exponent byte followed by 3 mantissa bytes and expands to a
// 128 bit target. A larger compact value means a larger (easier) target.
const (
	MinBits     uint32 = 0x03000001 // Target of 1, the hardest work possible.
	MaxBits     uint32 = 0x10ffffff // Exponent 16 fills the whole 128 bit target.
	GenesisBits uint32 = 0x1000ffff // Starting difficulty for a new chain.
	BlockReward uint64 = 50         // Reward for mining a block.
)

// maxAdjustmentRatio bounds how far a single retarget can move the target.
const maxAdjustmentRatio = 4

// targetSize is the number of bytes in an expanded target.
const targetSize = 16

// ErrZeroTimespan is returned when a retarget is requested against an
// expected timespan of zero.
var ErrZeroTimespan = errors.New("target timespan must be greater than zero")

// maxTarget is the largest value a 128 bit target can hold.
var maxTarget = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)

// =============================================================================

// Difficulty represents the compact form of a proof of work target. Values
// are immutable, every operation returns a new value.
type Difficulty struct {
	bits uint32
}

// New constructs a difficulty, clamping the compact bits into the
// valid range.
func New(bits uint32) Difficulty {
	return Difficulty{bits: min(max(bits, MinBits), MaxBits)}
}

// Genesis returns the difficulty used for the first block of a chain.
func Genesis() Difficulty {
	return New(GenesisBits)
}

// Bits returns the compact representation.
func (d Difficulty) Bits() uint32 {
	return d.bits
}

// String implements the Stringer interface.
func (d Difficulty) String() string {
	return fmt.Sprintf("0x%08x", d.bits)
}

func (d Difficulty) exponent() uint32 {
	return d.bits >> 24
}

func (d Difficulty) mantissa() uint32 {
	return d.bits & 0x00ffffff
}

// Target expands the compact value into a 16 byte big endian target. The
// exponent selects how many trailing bytes are significant and the mantissa
// bytes are placed at the start of that region.
func (d Difficulty) Target() [targetSize]byte {
	var target [targetSize]byte

	significant := min(int(d.exponent()), targetSize)
	if significant == 0 {
		return target
	}

	mantissa := d.mantissa()
	start := targetSize - significant

	target[start] = byte(mantissa >> 16)
	if significant > 1 {
		target[start+1] = byte(mantissa >> 8)
	}
	if significant > 2 {
		target[start+2] = byte(mantissa)
	}

	return target
}

// FromTarget converts an expanded target back into compact form. An all
// zero target has no valid work and collapses to the minimum bound.
func FromTarget(target [targetSize]byte) Difficulty {
	var significant, mantissa uint32

	for i, b := range target {
		if b == 0 {
			continue
		}

		significant = uint32(targetSize - i)
		mantissa = uint32(b) << 16
		if i+1 < targetSize {
			mantissa |= uint32(target[i+1]) << 8
		}
		if i+2 < targetSize {
			mantissa |= uint32(target[i+2])
		}
		break
	}

	return New(significant<<24 | (mantissa & 0x00ffffff))
}

// ToFloat returns an approximation of the target magnitude for logging
// and display. It is never used for consensus comparisons.
func (d Difficulty) ToFloat() float64 {
	return math.Ldexp(float64(d.mantissa()), 8*(int(d.exponent())-3))
}

// ToTarget returns the target as an integer for arithmetic.
func (d Difficulty) ToTarget() *uint256.Int {
	target := uint256.NewInt(uint64(d.mantissa()))

	exp := uint(d.exponent())
	if exp < 3 {
		return target.Rsh(target, 8*(3-exp))
	}

	return target.Lsh(target, 8*(exp-3))
}

// RelativeDifficulty returns the ratio of the other target to this one.
func (d Difficulty) RelativeDifficulty(other Difficulty) float64 {
	return other.ToFloat() / d.ToFloat()
}

// StemDifficulty returns a difficulty with twice the target, half as hard.
func (d Difficulty) StemDifficulty() Difficulty {
	target, overflow := new(uint256.Int).MulOverflow(d.ToTarget(), uint256.NewInt(2))
	if overflow {
		target.Set(maxTarget)
	}

	return FromTargetInt(target)
}

// FromTargetInt normalizes an integer target into compact form. Targets
// beyond 128 bits saturate at the largest representable value.
func FromTargetInt(target *uint256.Int) Difficulty {
	t := new(uint256.Int).Set(target)
	if t.Gt(maxTarget) {
		t.Set(maxTarget)
	}

	exponent := uint(max(t.ByteLen(), 3))
	mantissa := min(new(uint256.Int).Rsh(t, 8*(exponent-3)).Uint64(), 0x00ffffff)

	return New(uint32(exponent)<<24 | uint32(mantissa))
}

// =============================================================================

// Adjust computes the next difficulty from the time it took to produce the
// last period of blocks compared to the expected time. The actual timespan
// is clamped so the target moves at most 4x in either direction. The percent
// change is calculated on the compact bits, not on the target magnitude.
func Adjust(current Difficulty, actualTimespan uint64, targetTimespan uint64) (Difficulty, float64, error) {
	if targetTimespan == 0 {
		return current, 0, ErrZeroTimespan
	}

	lower := targetTimespan / maxAdjustmentRatio
	if targetTimespan%maxAdjustmentRatio != 0 {
		lower++
	}

	upper := uint64(math.MaxUint64)
	if targetTimespan <= math.MaxUint64/maxAdjustmentRatio {
		upper = targetTimespan * maxAdjustmentRatio
	}

	timespan := min(max(actualTimespan, lower), upper)

	newTarget := new(uint256.Int).Mul(current.ToTarget(), uint256.NewInt(timespan))
	newTarget.Div(newTarget, uint256.NewInt(targetTimespan))

	next := FromTargetInt(newTarget)
	percent := (float64(next.bits) - float64(current.bits)) / float64(current.bits) * 100

	return next, percent, nil
}
