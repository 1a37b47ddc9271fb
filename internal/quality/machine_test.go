package quality

import (
	"math"
	"testing"
	"time"

	"github.com/episteme-ai/episteme/internal/types"
)

func TestStatusForConfidence(t *testing.T) {
	tests := []struct {
		c    float64
		want types.MetaStatus
	}{
		{0.95, types.StatusTrusted},
		{0.8, types.StatusTrusted},
		{0.79, types.StatusActive},
		{0.5, types.StatusActive},
		{0.49, types.StatusUnvetted},
		{0.0, types.StatusUnvetted},
	}
	for _, tt := range tests {
		if got := StatusForConfidence(tt.c); got != tt.want {
			t.Errorf("StatusForConfidence(%v) = %s, want %s", tt.c, got, tt.want)
		}
	}
}

func TestApplyCreatePerOrigin(t *testing.T) {
	tests := []struct {
		origin     types.Origin
		wantConf   float64
		wantStatus types.MetaStatus
	}{
		{types.OriginUserTyped, 0.95, types.StatusTrusted},
		{types.OriginUserStated, 0.90, types.StatusTrusted},
		{types.OriginImported, 0.75, types.StatusActive},
		{types.OriginSystem, 0.70, types.StatusActive},
		{types.OriginAIStated, 0.60, types.StatusActive},
		{types.OriginAIInferred, 0.45, types.StatusUnvetted},
		{types.OriginAIPattern, 0.30, types.StatusUnvetted},
	}
	for _, tt := range tests {
		tr := ApplyCreate(tt.origin)
		if tr.Confidence != tt.wantConf || tr.Status != tt.wantStatus {
			t.Errorf("%s: create = (%v, %s), want (%v, %s)",
				tt.origin, tr.Confidence, tr.Status, tt.wantConf, tt.wantStatus)
		}
	}
}

func TestApplyAccessBoost(t *testing.T) {
	tr := ApplyAccess(Snapshot{Confidence: 0.49, Status: types.StatusUnvetted, AccessCount: 0})
	if !tr.Changed || math.Abs(tr.Confidence-0.51) > 1e-9 {
		t.Errorf("access at count 0 = %+v, want +0.02", tr)
	}
	if tr.Status != types.StatusActive {
		t.Errorf("crossing 0.5 should promote to active, got %s", tr.Status)
	}

	// Beyond the boost limit access no longer raises confidence.
	tr = ApplyAccess(Snapshot{Confidence: 0.6, Status: types.StatusActive, AccessCount: 5})
	if tr.Changed || tr.Confidence != 0.6 {
		t.Errorf("access at count 5 = %+v, want no change", tr)
	}
}

func TestApplyAccessStickyAndDecayed(t *testing.T) {
	for _, status := range []types.MetaStatus{types.StatusReview, types.StatusRejected} {
		tr := ApplyAccess(Snapshot{Confidence: 0.6, Status: status, AccessCount: 0})
		if tr.Changed || tr.Status != status {
			t.Errorf("access on %s = %+v, want sticky", status, tr)
		}
	}
	// Decayed stays decayed below the active threshold.
	tr := ApplyAccess(Snapshot{Confidence: 0.25, Status: types.StatusDecayed, AccessCount: 1})
	if tr.Status != types.StatusDecayed {
		t.Errorf("access on decayed below threshold = %s, want decayed", tr.Status)
	}
	// But enough accumulated confidence pulls it back to active.
	tr = ApplyAccess(Snapshot{Confidence: 0.49, Status: types.StatusDecayed, AccessCount: 1})
	if tr.Status != types.StatusActive {
		t.Errorf("access crossing threshold from decayed = %s, want active", tr.Status)
	}
}

func TestApplyMention(t *testing.T) {
	tr := ApplyMention(Snapshot{Confidence: 0.75, Status: types.StatusActive})
	if math.Abs(tr.Confidence-0.82) > 1e-9 || tr.Status != types.StatusTrusted {
		t.Errorf("mention at 0.75 = %+v, want 0.82 trusted", tr)
	}

	// Decayed re-enters the live lifecycle on mention.
	tr = ApplyMention(Snapshot{Confidence: 0.25, Status: types.StatusDecayed})
	if tr.Status != types.StatusUnvetted {
		t.Errorf("mention on decayed 0.25 = %s, want unvetted", tr.Status)
	}
	tr = ApplyMention(Snapshot{Confidence: 0.45, Status: types.StatusDecayed})
	if tr.Status != types.StatusActive {
		t.Errorf("mention on decayed 0.45 = %s, want active", tr.Status)
	}

	// Sticky states ignore mentions.
	tr = ApplyMention(Snapshot{Confidence: 0.5, Status: types.StatusReview})
	if tr.Changed {
		t.Errorf("mention on review = %+v, want no change", tr)
	}

	// Confidence clamps at 1.
	tr = ApplyMention(Snapshot{Confidence: 0.98, Status: types.StatusTrusted})
	if tr.Confidence != 1.0 {
		t.Errorf("mention at 0.98 = %v, want clamp to 1", tr.Confidence)
	}
}

func TestBothToReview(t *testing.T) {
	tests := []struct {
		a, b float64
		want bool
	}{
		{0.8, 0.7, true},   // both confident, gap 0.1
		{0.9, 0.55, false}, // gap >= 0.3
		{0.9, 0.61, true},  // gap 0.29
		{0.8, 0.4, false},  // one side below active
		{0.4, 0.45, false}, // neither confident
	}
	for _, tt := range tests {
		got := BothToReview(Snapshot{Confidence: tt.a}, Snapshot{Confidence: tt.b})
		if got != tt.want {
			t.Errorf("BothToReview(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestApplyContradictLoser(t *testing.T) {
	tr := ApplyContradictLoser(Snapshot{Confidence: 0.9, Status: types.StatusTrusted})
	if math.Abs(tr.Confidence-0.6) > 1e-9 || tr.Status != types.StatusActive {
		t.Errorf("contradict at 0.9 = %+v, want 0.6 active", tr)
	}

	// The penalty floors at 0.1.
	tr = ApplyContradictLoser(Snapshot{Confidence: 0.3, Status: types.StatusUnvetted})
	if tr.Confidence != 0.1 {
		t.Errorf("contradict at 0.3 = %v, want floor 0.1", tr.Confidence)
	}

	// Rejected memories cannot fall further.
	tr = ApplyContradictLoser(Snapshot{Confidence: 0, Status: types.StatusRejected})
	if tr.Changed {
		t.Errorf("contradict on rejected = %+v, want no change", tr)
	}
}

func TestApplyDecay(t *testing.T) {
	tr := ApplyDecay(Snapshot{Confidence: 0.6, Status: types.StatusActive}, 0.10)
	if math.Abs(tr.Confidence-0.5) > 1e-9 || tr.Status != types.StatusActive {
		t.Errorf("decay 0.6 = %+v, want 0.5 active", tr)
	}

	tr = ApplyDecay(Snapshot{Confidence: 0.35, Status: types.StatusUnvetted}, 0.10)
	if tr.Status != types.StatusDecayed {
		t.Errorf("decay below floor = %s, want decayed", tr.Status)
	}

	tr = ApplyDecay(Snapshot{Confidence: 0.9, Status: types.StatusReview}, 0.10)
	if tr.Changed {
		t.Errorf("decay on review = %+v, want no change", tr)
	}
}

func TestApplyResolve(t *testing.T) {
	tests := []struct {
		action     ResolveAction
		wantConf   float64
		wantStatus types.MetaStatus
	}{
		{ResolveConfirm, 0.95, types.StatusTrusted},
		{ResolveReject, 0, types.StatusRejected},
		{ResolveKeepBoth, 0.65, types.StatusActive},
	}
	for _, tt := range tests {
		tr, ok := ApplyResolve(tt.action)
		if !ok {
			t.Fatalf("ApplyResolve(%s) not ok", tt.action)
		}
		if tr.Confidence != tt.wantConf || tr.Status != tt.wantStatus {
			t.Errorf("resolve %s = (%v, %s), want (%v, %s)",
				tt.action, tr.Confidence, tr.Status, tt.wantConf, tt.wantStatus)
		}
	}
	if _, ok := ApplyResolve(ResolveAction("shrug")); ok {
		t.Error("unknown resolve action should not be ok")
	}
}

func TestScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Fresh, confident, maximally-frequent memory scores near
	// relevance * confidence * 1.5.
	s := Score(ScoreInput{
		Relevance:      1.0,
		Confidence:     0.8,
		LastTouched:    now,
		AccessCount:    10,
		MaxAccessCount: 10,
	}, now)
	if math.Abs(s-1.2) > 1e-9 {
		t.Errorf("fresh score = %v, want 1.2", s)
	}

	// Recency boost decays with age: a 30-day-old memory scores less.
	old := Score(ScoreInput{
		Relevance:      1.0,
		Confidence:     0.8,
		LastTouched:    now.AddDate(0, 0, -30),
		AccessCount:    10,
		MaxAccessCount: 10,
	}, now)
	if old >= s {
		t.Errorf("older memory should score lower: old=%v fresh=%v", old, s)
	}
	wantOld := 0.8 * (1 + 0.5*math.Exp(-1))
	if math.Abs(old-wantOld) > 1e-9 {
		t.Errorf("30-day score = %v, want %v", old, wantOld)
	}

	// Frequency normalizes against the busiest memory in the set.
	half := Score(ScoreInput{
		Relevance:      1.0,
		Confidence:     1.0,
		LastTouched:    now,
		AccessCount:    2,
		MaxAccessCount: 8,
	}, now)
	want := 1.5 * math.Log(3) / math.Log(9)
	if math.Abs(half-want) > 1e-9 {
		t.Errorf("frequency-normalized score = %v, want %v", half, want)
	}

	// Zero max access count must not divide by zero.
	z := Score(ScoreInput{Relevance: 1, Confidence: 1, LastTouched: now}, now)
	if math.Abs(z-1.5) > 1e-9 {
		t.Errorf("score with no access history = %v, want 1.5", z)
	}
}
