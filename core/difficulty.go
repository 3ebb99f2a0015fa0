package core

import (
	"math"
	"math/big"

	"github.com/holiman/uint256"
)

// Config.Consensus carries the parameters this file treats as given
// ( Open Question: retarget window and reward schedule are
// configuration, not hard-coded).
type DifficultyParams struct {
	RetargetWindow  uint64 // W, in blocks
	BlockTimeSecs   int64  // target spacing between blocks
	StartingTarget  [32]byte
}

// targetToUint256 / uint256ToTarget round-trip a fixed-width big-endian
// target through holiman/uint256, the fixed-width 256-bit integer type
// used elsewhere in this codebase for target/hash comparisons — a better
// fit for a fixed-width byte string than an arbitrary-precision type.
func targetToUint256(t [32]byte) *uint256.Int {
	return new(uint256.Int).SetBytes(t[:])
}

func uint256ToTarget(v *uint256.Int) [32]byte {
	return v.Bytes32()
}

// clampQuarterToFour multiplies cur by num/den and clamps the result to
// [cur/4, cur*4], per 's retarget formula.
func clampQuarterToFour(cur *uint256.Int, num, den int64) *uint256.Int {
	n := uint256.NewInt(uint64(num))
	d := uint256.NewInt(uint64(den))
	scaled := new(uint256.Int).Mul(cur, n)
	scaled.Div(scaled, d)

	lo := new(uint256.Int).Div(cur, uint256.NewInt(4))
	hi := new(uint256.Int).Mul(cur, uint256.NewInt(4))
	if scaled.Lt(lo) {
		return lo
	}
	if scaled.Gt(hi) {
		return hi
	}
	return scaled
}

// TargetAt computes the difficulty target for height h from the last W
// block times, grounded on the retargetDifficulty/recordBlkTime pair
// (core/consensus.go): record a rolling window of block times, compare
// observed span to expected span, scale the current target proportionally.
// Unlike the big.Float ratio used there, the scaling here uses integer
// uint256 arithmetic with an exact clamp to [cur/4, cur*4].
func (sdb *StateDB) TargetAt(h uint64) ([32]byte, error) {
	params := sdb.diffParams
	if h < params.RetargetWindow {
		return params.StartingTarget, nil
	}

	prevTarget, err := sdb.targetAtHeight(h - 1)
	if err != nil {
		return [32]byte{}, err
	}
	tHi, err := sdb.timeAtHeight(h - 1)
	if err != nil {
		return [32]byte{}, err
	}
	tLo, err := sdb.timeAtHeight(h - 1 - params.RetargetWindow)
	if err != nil {
		return [32]byte{}, err
	}

	span := tHi - tLo
	if span <= 0 {
		span = 1
	}
	expected := params.BlockTimeSecs * int64(params.RetargetWindow)
	if expected <= 0 {
		expected = 1
	}

	cur := targetToUint256(prevTarget)
	next := clampQuarterToFour(cur, span, expected)
	return uint256ToTarget(next), nil
}

// IntHash interprets a blockhash as a big-endian unsigned integer.
func IntHash(h Hash) *uint256.Int {
	return new(uint256.Int).SetBytes(h[:])
}

// BelowTarget reports whether hash, as an integer, is strictly less than
// target — the PoW validity predicate.
func BelowTarget(h Hash, target [32]byte) bool {
	return IntHash(h).Lt(targetToUint256(target))
}

// maxTarget256 is the ceiling target (all-ones) used as the log2 reference
// point when accumulating diffLength.
var maxTarget256 = new(uint256.Int).Not(uint256.NewInt(0))

// log2Uint256 approximates log2(x) for a positive 256-bit integer by
// reading its bit length plus a float64 mantissa correction from its top 64
// bits — the standard technique used by chain-work estimators across the
// pack's UTXO-style chains, adapted here since no library in the retrieved
// examples offers arbitrary-precision log2 (DESIGN.md records this as a
// deliberate standard-library use).
func log2Uint256(x *uint256.Int) float64 {
	if x.IsZero() {
		return 0
	}
	bl := x.BitLen()
	xb := new(big.Int).SetBytes(x.Bytes())
	shift := bl - 64
	var mantissa uint64
	if shift > 0 {
		mantissa = new(big.Int).Rsh(xb, uint(shift)).Uint64()
	} else {
		mantissa = new(big.Int).Lsh(xb, uint(-shift)).Uint64()
	}
	// mantissa now has its top bit (bit 63) set; normalize to [1,2).
	frac := float64(mantissa) / float64(uint64(1)<<63)
	return float64(bl-1) + math.Log2(frac)
}

// ratPrecision is the fixed-point denominator used to store the fractional
// log2 contribution of each block as an exact big.Rat ( Open
// Question: "implementers must pick a rational/fixed-point representation
// and document it" — this repo picks big.Rat with a 2^40 denominator,
// giving ~12 decimal digits of precision per block, summed exactly across
// arbitrarily long chains with no float drift).
const ratPrecision = 1 << 40

func floatToRat(f float64) *big.Rat {
	scaled := int64(f * ratPrecision)
	return big.NewRat(scaled, ratPrecision)
}

// BlockWork returns a single block's contribution to diffLength:
// log2(maxTarget/target), as an exact big.Rat.
func BlockWork(target [32]byte) *big.Rat {
	t := targetToUint256(target)
	if t.IsZero() {
		return big.NewRat(0, 1)
	}
	work := log2Uint256(maxTarget256) - log2Uint256(t)
	if work < 0 {
		work = 0
	}
	return floatToRat(work)
}
