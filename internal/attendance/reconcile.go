// Package attendance turns a match result into per-identity attendance decisions.
package attendance

import (
	"bytes"
	"math"
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
)

// Reconcile produces exactly one decision per roster identity, sorted by id, and
// the session summary. Identities matched but absent from the roster are ignored.
// The function is pure, so reapplying it to the same capture yields the same decisions.
func Reconcile(roster []uuid.UUID, result *match.Result, captureTime, sessionStart time.Time, lateness time.Duration) ([]types.AttendanceDecision, types.SessionSummary) {
	ids := dedupe(roster)

	scores := map[uuid.UUID]float64{}
	var summary types.SessionSummary
	if result != nil {
		scores = result.Scores
		summary.FacesDetected = result.FacesDetected
		summary.ProxyEvents = result.ProxyEvents
		summary.IdentitiesMatched = len(result.Scores)
	}

	decisions := make([]types.AttendanceDecision, 0, len(ids))
	var confidenceSum float64
	for _, id := range ids {
		d := types.AttendanceDecision{
			IdentityID: id,
			Status:     types.StatusAbsent,
			CapturedAt: captureTime,
		}
		if score, ok := scores[id]; ok {
			conf := score
			d.Status = types.StatusPresent
			d.Confidence = &conf
			confidenceSum += score
			summary.PresentCount++
		} else {
			summary.AbsentCount++
		}
		decisions = append(decisions, d)
	}

	if summary.PresentCount > 0 {
		summary.MeanConfidence = confidenceSum / float64(summary.PresentCount)
		summary.AccuracyPercent = math.Round(summary.MeanConfidence*100*100) / 100
	}

	summary.Late = IsLate(captureTime, sessionStart, lateness)
	if summary.Late {
		summary.LateDetections = summary.IdentitiesMatched
	}

	return decisions, summary
}

// IsLate reports whether a capture happened after the session's lateness cutoff.
func IsLate(captureTime, sessionStart time.Time, lateness time.Duration) bool {
	return captureTime.After(sessionStart.Add(lateness))
}

func dedupe(roster []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(roster))
	out := make([]uuid.UUID, 0, len(roster))
	for _, id := range roster {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
