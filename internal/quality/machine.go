// Package quality implements the per-memory confidence lifecycle: the
// state machine over memory-meta rows, the contradiction log, the decay
// sweeper, and the context-budget ranking score.
package quality

import (
	"github.com/episteme-ai/episteme/internal/types"
)

// Confidence thresholds for automatic status transitions.
const (
	// TrustedThreshold promotes a memory to trusted.
	TrustedThreshold = 0.8
	// ActiveThreshold promotes a memory to active.
	ActiveThreshold = 0.5
	// DecayFloor is the confidence below which a decaying memory is marked
	// decayed.
	DecayFloor = 0.3

	// accessBoost is added per access while the access count is small.
	accessBoost = 0.02
	// accessBoostLimit is the access count beyond which access stops
	// raising confidence.
	accessBoostLimit = 5
	// mentionBoost is added when a fact is reaffirmed by a new write.
	mentionBoost = 0.07
	// contradictPenalty is subtracted from the losing side of a
	// contradiction, with contradictMin as the floor.
	contradictPenalty = 0.3
	contradictMin     = 0.1
	// reviewGap is the confidence gap below which two confident,
	// contradicting memories both go to review instead of one losing.
	reviewGap = 0.3
)

// Snapshot is the slice of a meta row the state machine reads.
type Snapshot struct {
	Confidence  float64
	Status      types.MetaStatus
	AccessCount int
}

// Transition is the state machine's output: the new confidence and status,
// and whether anything changed (no-op events append no history).
type Transition struct {
	Confidence float64
	Status     types.MetaStatus
	Changed    bool
}

// StatusForConfidence is the pure threshold mapping used at creation and
// on reaffirmation.
func StatusForConfidence(c float64) types.MetaStatus {
	switch {
	case c >= TrustedThreshold:
		return types.StatusTrusted
	case c >= ActiveThreshold:
		return types.StatusActive
	default:
		return types.StatusUnvetted
	}
}

// promote recomputes status on an upward confidence move. Sticky states
// survive; decayed stays decayed until confidence re-crosses the active
// threshold (only an explicit mention fully revives it).
func promote(c float64, current types.MetaStatus) types.MetaStatus {
	if current.IsSticky() {
		return current
	}
	if c >= TrustedThreshold {
		return types.StatusTrusted
	}
	if c >= ActiveThreshold {
		return types.StatusActive
	}
	if current == types.StatusDecayed {
		return types.StatusDecayed
	}
	return types.StatusUnvetted
}

func clamp01(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ApplyCreate returns the initial confidence and status for a new memory.
func ApplyCreate(origin types.Origin) Transition {
	c := origin.InitialConfidence()
	return Transition{Confidence: c, Status: StatusForConfidence(c), Changed: true}
}

// ApplyAccess handles a read of the memory. Confidence rises slightly
// while the memory is young; sticky states never move.
func ApplyAccess(s Snapshot) Transition {
	if s.Status.IsSticky() {
		return Transition{Confidence: s.Confidence, Status: s.Status}
	}
	c := s.Confidence
	if s.AccessCount < accessBoostLimit {
		c = clamp01(c + accessBoost)
	}
	status := promote(c, s.Status)
	return Transition{
		Confidence: c,
		Status:     status,
		Changed:    c != s.Confidence || status != s.Status,
	}
}

// ApplyMention handles a reaffirmation: the same fact arrived again from a
// new write. Decayed memories re-enter the live lifecycle here.
func ApplyMention(s Snapshot) Transition {
	if s.Status.IsSticky() {
		return Transition{Confidence: s.Confidence, Status: s.Status}
	}
	c := clamp01(s.Confidence + mentionBoost)
	status := StatusForConfidence(c)
	return Transition{
		Confidence: c,
		Status:     status,
		Changed:    c != s.Confidence || status != s.Status,
	}
}

// BothToReview reports whether a contradiction between two memories should
// send both to review: both sides confident and too close to call.
func BothToReview(a, b Snapshot) bool {
	gap := a.Confidence - b.Confidence
	if gap < 0 {
		gap = -gap
	}
	return a.Confidence >= ActiveThreshold && b.Confidence >= ActiveThreshold && gap < reviewGap
}

// ApplyContradictLoser demotes the losing side of a contradiction.
func ApplyContradictLoser(s Snapshot) Transition {
	if s.Status.IsSticky() {
		return Transition{Confidence: s.Confidence, Status: s.Status}
	}
	c := s.Confidence - contradictPenalty
	if c < contradictMin {
		c = contradictMin
	}
	status := StatusForConfidence(c)
	if s.Status == types.StatusDecayed && status == types.StatusUnvetted {
		status = types.StatusDecayed
	}
	return Transition{Confidence: c, Status: status, Changed: true}
}

// ApplyReview parks a memory in review pending user resolution.
func ApplyReview(s Snapshot) Transition {
	if s.Status == types.StatusRejected {
		return Transition{Confidence: s.Confidence, Status: s.Status}
	}
	return Transition{
		Confidence: s.Confidence,
		Status:     types.StatusReview,
		Changed:    s.Status != types.StatusReview,
	}
}

// ApplyDecay ages an untouched memory by delta. Status only moves once
// confidence falls under the decay floor.
func ApplyDecay(s Snapshot, delta float64) Transition {
	if s.Status.IsSticky() {
		return Transition{Confidence: s.Confidence, Status: s.Status}
	}
	c := clamp01(s.Confidence - delta)
	status := s.Status
	if c < DecayFloor {
		status = types.StatusDecayed
	}
	return Transition{
		Confidence: c,
		Status:     status,
		Changed:    c != s.Confidence || status != s.Status,
	}
}

// ResolveAction is a user's verdict on a review-state memory.
type ResolveAction string

// Resolve actions.
const (
	ResolveConfirm  ResolveAction = "confirm"
	ResolveReject   ResolveAction = "reject"
	ResolveKeepBoth ResolveAction = "keep_both"
)

// IsValid checks if the resolve action value is valid.
func (a ResolveAction) IsValid() bool {
	switch a {
	case ResolveConfirm, ResolveReject, ResolveKeepBoth:
		return true
	}
	return false
}

// ApplyResolve maps a user resolution to its fixed outcome.
func ApplyResolve(action ResolveAction) (Transition, bool) {
	switch action {
	case ResolveConfirm:
		return Transition{Confidence: 0.95, Status: types.StatusTrusted, Changed: true}, true
	case ResolveReject:
		return Transition{Confidence: 0, Status: types.StatusRejected, Changed: true}, true
	case ResolveKeepBoth:
		return Transition{Confidence: 0.65, Status: types.StatusActive, Changed: true}, true
	default:
		return Transition{}, false
	}
}
