// Package trust decides whether publishing a listing must pass through the
// verifying hold before it goes live.
package trust

import "bountyline/internal/domain"

type Reason string

const (
	ReasonNone       Reason = ""
	ReasonCaution    Reason = "caution"
	ReasonUnverified Reason = "unverified"
)

type Decision struct {
	RequiresHold bool
	Reason       Reason
}

// Decide evaluates the rules in order; the first match wins. It reads only
// sponsor.IsCaution, sponsor.IsVerified and actor.Role.
func Decide(sponsor domain.Sponsor, actor domain.Actor, _ domain.Listing) Decision {
	switch {
	case actor.IsElevated():
		return Decision{}
	case sponsor.IsCaution:
		return Decision{RequiresHold: true, Reason: ReasonCaution}
	case !sponsor.IsVerified:
		return Decision{RequiresHold: true, Reason: ReasonUnverified}
	default:
		return Decision{}
	}
}

// TargetStatus maps a decision to the status persisted on publish.
func (d Decision) TargetStatus() domain.ListingStatus {
	if d.RequiresHold {
		return domain.StatusVerifying
	}
	return domain.StatusOpen
}
