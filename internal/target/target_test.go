package target

import (
	stderrors "errors"
	"math"
	"math/big"
	"testing"

	"github.com/bardlex/vrscpool/pkg/errors"
)

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		expected   string
	}{
		{"difficulty 1 is the max target", 1, DefaultMaxTarget},
		{"difficulty 2 halves and truncates", 2, "0003ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"},
		{"initial difficulty", 5000, "00000068db8bac710cb295e9e1b089a027525460aa64c2f837b4a2339c0ebedf"},
		{"after one upward retarget", 6000, "00000057619f0fb38a94d242e6bdc8057619f0fb38a94d242e6bdc8057619f0f"},
		{"fractional difficulty", 0.5, "000ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffe"},
		{"overflow is clamped", 1e-80, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"},
		{"infinite difficulty", math.Inf(1), "0000000000000000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DifficultyToTarget(tt.difficulty)
			if err != nil {
				t.Fatalf("DifficultyToTarget() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("DifficultyToTarget(%v) = %s, want %s", tt.difficulty, got, tt.expected)
			}
		})
	}
}

func TestDifficultyToTargetInvalid(t *testing.T) {
	for _, d := range []float64{0, -1, -0.0001, math.NaN(), math.Inf(-1)} {
		_, err := DifficultyToTarget(d)
		if !stderrors.Is(err, ErrInvalidDifficulty) {
			t.Errorf("DifficultyToTarget(%v) error = %v, want ErrInvalidDifficulty", d, err)
		}
		if !errors.IsType(err, errors.ErrorTypeInput) {
			t.Errorf("DifficultyToTarget(%v) expected input error type", d)
		}
	}
}

func TestDifficultyToTargetMonotonic(t *testing.T) {
	difficulties := []float64{0.001, 0.5, 1, 1.5, 2, 10, 800, 5000, 6000, 1e6, 1e12}

	var prev *big.Int
	for _, d := range difficulties {
		hex, err := DifficultyToTarget(d)
		if err != nil {
			t.Fatalf("DifficultyToTarget(%v) error = %v", d, err)
		}
		if len(hex) != 64 {
			t.Errorf("DifficultyToTarget(%v) returned %d characters", d, len(hex))
		}
		cur, ok := new(big.Int).SetString(hex, 16)
		if !ok {
			t.Fatalf("DifficultyToTarget(%v) returned non-hex %q", d, hex)
		}
		if prev != nil && cur.Cmp(prev) > 0 {
			t.Errorf("target for %v is larger than for the previous difficulty", d)
		}
		prev = cur
	}
}

func TestTargetToDifficulty(t *testing.T) {
	for _, d := range []float64{1, 2, 5000, 6000, 123456.75} {
		hex, err := DifficultyToTarget(d)
		if err != nil {
			t.Fatal(err)
		}
		back, err := TargetToDifficulty(hex)
		if err != nil {
			t.Fatalf("TargetToDifficulty(%s) error = %v", hex, err)
		}
		if math.Abs(back-d)/d > 1e-9 {
			t.Errorf("round trip of %v returned %v", d, back)
		}
	}
}

func TestTargetToDifficultyInvalid(t *testing.T) {
	inputs := []string{"", "zz", "0000000000000000000000000000000000000000000000000000000000000000", DefaultMaxTarget + "ff"}
	for _, in := range inputs {
		if _, err := TargetToDifficulty(in); !stderrors.Is(err, ErrInvalidTarget) {
			t.Errorf("TargetToDifficulty(%q) error = %v, want ErrInvalidTarget", in, err)
		}
	}
}

func TestNewCodec(t *testing.T) {
	bitcoinDiff1 := "00000000ffff0000000000000000000000000000000000000000000000000000"
	c, err := NewCodec(bitcoinDiff1)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	if c.MaxTarget() != bitcoinDiff1 {
		t.Errorf("MaxTarget() = %s, want %s", c.MaxTarget(), bitcoinDiff1)
	}

	got, err := c.DifficultyToTarget(256)
	if err != nil {
		t.Fatal(err)
	}
	want := "0000000000ffff00000000000000000000000000000000000000000000000000"
	if got != want {
		t.Errorf("DifficultyToTarget(256) = %s, want %s", got, want)
	}

	if _, err := NewCodec("nothex"); err == nil {
		t.Error("Expected error for invalid max target")
	}
}
