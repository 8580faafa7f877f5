package escrow

import "math"

// Deadline computes and checks transaction expirations in block-height units.
type Deadline struct {
	DefaultLifetime uint64
	MinLifetime     uint64
	MaxLifetime     uint64
	MaxExtension    uint64
}

// DefaultDeadline returns the deployment defaults: a lifetime of 1008 units
// (about 7 days of 10-minute blocks) and extensions of at most 1440 units.
func DefaultDeadline() Deadline {
	return Deadline{
		DefaultLifetime: 1008,
		MinLifetime:     1,
		MaxLifetime:     52560,
		MaxExtension:    1440,
	}
}

// HasExpired reports whether now is past r's expiration.
func HasExpired(r *Record, now uint64) bool {
	return now > r.Expiration
}

// Expiration returns the expiration of a record created at height with the
// requested lifetime. Zero selects the default lifetime.
func (d Deadline) Expiration(height, lifetime uint64) (uint64, error) {
	if lifetime == 0 {
		lifetime = d.DefaultLifetime
	}
	if lifetime < d.MinLifetime || lifetime > d.MaxLifetime {
		return 0, ErrInvalidAmount
	}
	if height > math.MaxUint64-lifetime {
		return 0, ErrInvalidAmount
	}
	return height + lifetime, nil
}

// Extend returns expiration pushed back by delta, 1 <= delta <= MaxExtension.
func (d Deadline) Extend(expiration, delta uint64) (uint64, error) {
	if delta == 0 || delta > d.MaxExtension {
		return 0, ErrInvalidAmount
	}
	if expiration > math.MaxUint64-delta {
		return 0, ErrInvalidAmount
	}
	return expiration + delta, nil
}

// check enforces rule for a record at height now.
func (rule deadlineRule) check(r *Record, now uint64) error {
	switch rule {
	case deadlineBefore:
		if HasExpired(r, now) {
			return ErrDealExpired
		}
	case deadlineAfter:
		if !HasExpired(r, now) {
			return ErrNotYetExpired
		}
	}
	return nil
}
