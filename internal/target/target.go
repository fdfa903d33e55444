// Package target converts between share difficulty and the 256-bit target a
// header hash must not exceed.
package target

import (
	stderrors "errors"
	"fmt"
	"math"
	"math/big"

	"github.com/bardlex/vrscpool/pkg/errors"
)

// DefaultMaxTarget is the difficulty-1 target of Equihash chains.
const DefaultMaxTarget = "0007ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

var (
	// ErrInvalidDifficulty is returned for difficulties that are not positive numbers.
	ErrInvalidDifficulty = stderrors.New("invalid difficulty")
	// ErrInvalidTarget is returned for targets that are not 1-64 hex characters or are zero.
	ErrInvalidTarget = stderrors.New("invalid target")

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	defaultCodec = MustCodec(DefaultMaxTarget)
)

// Codec performs conversions against a fixed difficulty-1 target.
type Codec struct {
	max *big.Int
}

// NewCodec parses the difficulty-1 target.
func NewCodec(maxTarget string) (*Codec, error) {
	max, err := parseTarget(maxTarget)
	if err != nil {
		return nil, err
	}
	return &Codec{max: max}, nil
}

// MustCodec is NewCodec for package-level constants.
func MustCodec(maxTarget string) *Codec {
	c, err := NewCodec(maxTarget)
	if err != nil {
		panic(err)
	}
	return c
}

// MaxTarget returns the difficulty-1 target as 64 hex characters.
func (c *Codec) MaxTarget() string {
	return format(c.max)
}

// DifficultyToTarget returns floor(max / d) as 64 lowercase hex characters.
// The division is exact: d is expanded to the rational it represents before
// dividing, so the only loss is the final truncation. Targets that would not
// fit in 256 bits are clamped.
func (c *Codec) DifficultyToTarget(d float64) (string, error) {
	if math.IsNaN(d) || d <= 0 {
		return "", errors.InvalidInput(ErrInvalidDifficulty, "difficulty_to_target",
			fmt.Sprintf("difficulty must be positive, got %v", d))
	}
	if math.IsInf(d, 1) {
		return format(new(big.Int)), nil
	}

	r := new(big.Rat).SetFloat64(d)
	q := new(big.Int).Mul(c.max, r.Denom())
	q.Quo(q, r.Num())

	if q.Cmp(maxUint256) > 0 {
		q.Set(maxUint256)
	}
	return format(q), nil
}

// TargetToDifficulty returns max / target. Converting a difficulty to a target
// and back generally does not return the original value.
func (c *Codec) TargetToDifficulty(targetHex string) (float64, error) {
	t, err := parseTarget(targetHex)
	if err != nil {
		return 0, err
	}
	d, _ := new(big.Rat).SetFrac(c.max, t).Float64()
	return d, nil
}

// DifficultyToTarget converts using DefaultMaxTarget.
func DifficultyToTarget(d float64) (string, error) {
	return defaultCodec.DifficultyToTarget(d)
}

// TargetToDifficulty converts using DefaultMaxTarget.
func TargetToDifficulty(targetHex string) (float64, error) {
	return defaultCodec.TargetToDifficulty(targetHex)
}

func parseTarget(s string) (*big.Int, error) {
	if len(s) == 0 || len(s) > 64 {
		return nil, errors.InvalidInput(ErrInvalidTarget, "parse_target",
			fmt.Sprintf("target must be 1-64 hex characters, got %d", len(s)))
	}
	t, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, errors.InvalidInput(ErrInvalidTarget, "parse_target", "target is not hex")
	}
	if t.Sign() <= 0 {
		return nil, errors.InvalidInput(ErrInvalidTarget, "parse_target", "target must be non-zero")
	}
	return t, nil
}

func format(t *big.Int) string {
	return fmt.Sprintf("%064x", t)
}
