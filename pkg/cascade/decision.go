package cascade

import (
	"time"

	"github.com/sirengate/sirengate/pkg/config"
)

// Decide maps a fusion result onto the terminal classification using the
// live thresholds. Intervals are half-open: a score of exactly
// Thresholds.Suspicious is SUSPICIOUS, exactly Thresholds.Attack is ATTACK.
//
// A nil fusion result is an internal invariant violation; the engine fails
// closed to SUSPICIOUS rather than letting unscored traffic through.
func Decide(requestID string, fusion *FusionResult, th config.Thresholds) *Decision {
	d := &Decision{
		RequestID: requestID,
		Fusion:    fusion,
		Timestamp: time.Now().UTC(),
	}

	if fusion == nil {
		d.State = StateSuspicious
		d.Action = ActionChallenge
		d.FailClosed = true
		d.Fusion = &FusionResult{}
		return d
	}

	switch {
	case fusion.FinalScore >= th.Attack:
		d.State = StateAttack
		d.Action = ActionDeceive
	case fusion.FinalScore >= th.Suspicious:
		d.State = StateSuspicious
		d.Action = ActionChallenge
	default:
		d.State = StateSafe
		d.Action = ActionForward
	}
	return d
}
