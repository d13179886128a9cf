package domain

import "time"

// AvailabilityStatus is the oracle's last known view of the shared resources:
// the consumable credit balance and per-platform readiness.
type AvailabilityStatus struct {
	Balance     int64           `json:"balance"`
	Platforms   map[string]bool `json:"platforms"`
	RefreshedAt time.Time       `json:"refreshed_at,omitzero"`
	NextReset   time.Time       `json:"next_reset,omitzero"`
	Err         string          `json:"error,omitempty"`
}

// PlatformReady reports the cached readiness flag for a platform.
// Unknown platforms are not ready.
func (s AvailabilityStatus) PlatformReady(platform string) bool {
	return s.Platforms[platform]
}

// Satisfies reports whether req can be admitted against this status.
// A nil requirement is always satisfied.
func (s AvailabilityStatus) Satisfies(req *ResourceRequirements) bool {
	if req == nil {
		return true
	}
	if req.MinCredits > 0 && s.Balance < req.MinCredits {
		return false
	}
	if req.Platform != "" && !s.PlatformReady(req.Platform) {
		return false
	}
	return true
}

// Lock is a live lease on the shared browser session.
// Scope is informational: there is exactly one lock regardless of scope.
// AcquiredAt moves forward on every renewal so ExpiresAt-AcquiredAt is always
// the lease last requested; HeldSince is the first grant to this holder.
type Lock struct {
	Holder      string    `json:"holder"`
	Scope       string    `json:"scope,omitempty"`
	Description string    `json:"description,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeldSince   time.Time `json:"held_since"`
}

// Lease returns the requested lease duration.
func (l Lock) Lease() time.Duration {
	return l.ExpiresAt.Sub(l.AcquiredAt)
}

// Expired reports whether the lease has run out at now.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
