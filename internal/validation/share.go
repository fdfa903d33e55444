// Package validation performs the syntactic checks on a submitted share that
// can be done without the node: field presence, hex encoding, sizes, nonce
// ownership and time skew.
package validation

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/vrscpool/pkg/errors"
)

var (
	// ErrMissingField is returned when a required share field is empty.
	ErrMissingField = stderrors.New("missing field")
	// ErrInvalidHex is returned when a field is not hex encoded.
	ErrInvalidHex = stderrors.New("invalid hex")
	// ErrNonceSize is returned when the nonce is not the header nonce width.
	ErrNonceSize = stderrors.New("incorrect size of nonce")
	// ErrNoncePrefix is returned when the nonce does not start with the miner's extranonce1.
	ErrNoncePrefix = stderrors.New("nonce does not start with extranonce1")
	// ErrSolutionSize is returned when the solution has the wrong length.
	ErrSolutionSize = stderrors.New("incorrect size of solution")
	// ErrTimeOutOfRange is returned when the share time is too far from the job or the clock.
	ErrTimeOutOfRange = stderrors.New("time out of range")
)

// ShareValidator checks shares before they are assembled into a header
type ShareValidator struct {
	nonceSize         int
	solutionSizeField string
	solutionSize      int
	maxTimeSkew       time.Duration
	now               func() time.Time
}

// NewShareValidator creates a validator. nonceSize is in bytes. solutionSizeField
// is the compact-size prefix written before the solution in the header; the
// expected solution length is read from it. maxTimeSkew of zero disables the
// time check.
func NewShareValidator(nonceSize int, solutionSizeField string, maxTimeSkew time.Duration) (*ShareValidator, error) {
	v := &ShareValidator{
		nonceSize:         nonceSize,
		solutionSizeField: strings.ToLower(solutionSizeField),
		maxTimeSkew:       maxTimeSkew,
		now:               time.Now,
	}

	if v.solutionSizeField != "" {
		raw, err := hex.DecodeString(v.solutionSizeField)
		if err != nil {
			return nil, fmt.Errorf("solution size field: %w", err)
		}
		size, err := wire.ReadVarInt(bytes.NewReader(raw), 0)
		if err != nil {
			return nil, fmt.Errorf("solution size field: %w", err)
		}
		if wire.VarIntSerializeSize(size) != len(raw) {
			return nil, fmt.Errorf("solution size field %s has trailing bytes", solutionSizeField)
		}
		v.solutionSize = int(size)
	}

	return v, nil
}

// SolutionSize returns the expected solution length in bytes, or 0 if unchecked.
func (v *ShareValidator) SolutionSize() int { return v.solutionSize }

// SolutionSizeField returns the lower-case size prefix written before the solution.
func (v *ShareValidator) SolutionSizeField() string { return v.solutionSizeField }

// ValidateShare checks share against the job it references, whose template
// time is jobTime (unix seconds). On success the share's hex fields are
// normalised to lower case and a solution that arrived with its size prefix
// has the prefix removed.
func (v *ShareValidator) ValidateShare(share *Share, jobTime int64) error {
	if err := v.validateBasicFields(share); err != nil {
		return err
	}
	if err := v.validateNonce(share); err != nil {
		return err
	}
	if err := v.validateSolution(share); err != nil {
		return err
	}
	return v.validateTime(share, jobTime)
}

// validateBasicFields checks that all required fields are present and valid
func (v *ShareValidator) validateBasicFields(share *Share) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"time", &share.Time},
		{"nonce", &share.Nonce},
		{"solution", &share.Solution},
	}

	if share.JobID == "" {
		return invalid(ErrMissingField, "job_id")
	}

	for _, f := range fields {
		if *f.value == "" {
			return invalid(ErrMissingField, f.name)
		}
		*f.value = strings.ToLower(*f.value)
		if !isValidHex(*f.value) {
			return invalid(ErrInvalidHex, f.name)
		}
	}

	return nil
}

// validateNonce checks the width and that the miner stayed in its own search space
func (v *ShareValidator) validateNonce(share *Share) error {
	if v.nonceSize > 0 && len(share.Nonce) != v.nonceSize*2 {
		return invalid(ErrNonceSize, "nonce").WithContext("length", len(share.Nonce))
	}
	if share.ExtraNonce1 != "" && !strings.HasPrefix(share.Nonce, strings.ToLower(share.ExtraNonce1)) {
		return invalid(ErrNoncePrefix, "nonce")
	}
	return nil
}

// validateSolution accepts the solution with or without its size prefix
func (v *ShareValidator) validateSolution(share *Share) error {
	if v.solutionSize == 0 {
		return nil
	}

	want := v.solutionSize * 2
	switch {
	case len(share.Solution) == want:
	case len(share.Solution) == want+len(v.solutionSizeField) && strings.HasPrefix(share.Solution, v.solutionSizeField):
		share.Solution = share.Solution[len(v.solutionSizeField):]
	default:
		return invalid(ErrSolutionSize, "solution").WithContext("length", len(share.Solution))
	}
	return nil
}

// validateTime checks that the timestamp is within acceptable bounds. The
// time field is sent as it appears in the header: 4 bytes little-endian.
func (v *ShareValidator) validateTime(share *Share, jobTime int64) error {
	if len(share.Time) != 8 {
		return invalid(ErrTimeOutOfRange, "time").WithContext("length", len(share.Time))
	}
	if v.maxTimeSkew <= 0 {
		return nil
	}

	raw, _ := hex.DecodeString(share.Time)
	shareTime := time.Unix(int64(binary.LittleEndian.Uint32(raw)), 0)

	// Check if time is too far in the future
	if shareTime.After(v.now().Add(v.maxTimeSkew)) {
		return invalid(ErrTimeOutOfRange, "time").WithContext("reason", "too far in future")
	}

	// Check if time is too far in the past (relative to the template)
	if shareTime.Before(time.Unix(jobTime, 0).Add(-v.maxTimeSkew)) {
		return invalid(ErrTimeOutOfRange, "time").WithContext("reason", "too far in past")
	}

	return nil
}

func invalid(cause error, field string) *errors.ServiceError {
	return errors.Wrap(cause, errors.ErrorTypeValidation, "validate_share", cause.Error()).
		WithContext("field", field).
		WithRetryable(false)
}

// isValidHex checks if a string is valid hexadecimal
func isValidHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
