// Package match assigns detected faces to enrolled identities.
//
// The scan is a greedy nearest-neighbour pass: every detected face picks the
// closest template on its own, and collisions on the same identity are kept
// as proxy events instead of being resolved by a global assignment.
package match

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/google/uuid"
)

// tieEpsilon is the similarity gap under which two identities are considered tied.
const tieEpsilon = 1e-9

// ErrNoEnrolledTemplates is returned when there is nothing to match against.
var ErrNoEnrolledTemplates = errors.New("no approved face templates to match against")

// CollisionKind describes why a proxy event was raised.
type CollisionKind string

const (
	// Superseded: a later face scored higher and replaced the existing claim.
	Superseded CollisionKind = "superseded"
	// Duplicate: a later face scored equal or lower and was dropped.
	Duplicate CollisionKind = "duplicate"
	// Ambiguous: one face scored the same against two identities.
	Ambiguous CollisionKind = "ambiguous"
)

// Collision is the audit record of one proxy event. It never carries vectors.
type Collision struct {
	Identity uuid.UUID     `json:"identity_id"`
	Other    uuid.UUID     `json:"other_identity_id,omitempty"` // tied identity for Ambiguous
	Kept     float64       `json:"kept_similarity"`
	Rejected float64       `json:"rejected_similarity"`
	Kind     CollisionKind `json:"kind"`
}

// Result is the outcome of matching one capture.
type Result struct {
	// Scores holds the best similarity per matched identity.
	Scores map[uuid.UUID]float64
	// ProxyEvents counts every collision, in either direction, plus ties.
	ProxyEvents int
	Collisions  []Collision
	// FacesDetected is the number of faces fed into the scan.
	FacesDetected int
	// Unmatched counts faces whose best similarity stayed under the threshold.
	Unmatched int
	Threshold float64
}

// Matched returns the matched identities in a stable order.
func (r *Result) Matched() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Scores))
	for id := range r.Scores {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Match runs the greedy scan of detected faces against enrolled templates.
// All vectors must be unit length (see embedding.Normalize).
func Match(detected []embedding.Vector, enrolled map[uuid.UUID]embedding.Vector, threshold float64) (*Result, error) {
	if len(enrolled) == 0 {
		return nil, ErrNoEnrolledTemplates
	}

	// Map iteration order is random; scan templates in id order so ties resolve the same way every time.
	ids := make([]uuid.UUID, 0, len(enrolled))
	for id := range enrolled {
		ids = append(ids, id)
	}
	sortIDs(ids)

	res := &Result{
		Scores:        make(map[uuid.UUID]float64),
		FacesDetected: len(detected),
		Threshold:     threshold,
	}

	for faceIdx, face := range detected {
		var (
			bestID  uuid.UUID
			tiedID  uuid.UUID
			best    = -2.0
			hasTie  bool
			matched bool
		)

		for _, id := range ids {
			sim, err := embedding.Cosine(face, enrolled[id])
			if err != nil {
				return nil, fmt.Errorf("face %d vs identity %s: %w", faceIdx, id, err)
			}
			switch {
			case !matched || sim > best+tieEpsilon:
				best, bestID, matched = sim, id, true
				hasTie = false
			case sim >= best-tieEpsilon:
				if !hasTie {
					tiedID = id
				}
				hasTie = true
			}
		}

		if !matched || best < threshold {
			res.Unmatched++
			continue
		}

		if hasTie {
			res.ProxyEvents++
			res.Collisions = append(res.Collisions, Collision{
				Identity: bestID,
				Other:    tiedID,
				Kept:     best,
				Rejected: best,
				Kind:     Ambiguous,
			})
		}

		existing, claimed := res.Scores[bestID]
		switch {
		case !claimed:
			res.Scores[bestID] = best
		case best > existing:
			res.ProxyEvents++
			res.Collisions = append(res.Collisions, Collision{
				Identity: bestID,
				Kept:     best,
				Rejected: existing,
				Kind:     Superseded,
			})
			res.Scores[bestID] = best
		default:
			res.ProxyEvents++
			res.Collisions = append(res.Collisions, Collision{
				Identity: bestID,
				Kept:     existing,
				Rejected: best,
				Kind:     Duplicate,
			})
		}
	}

	return res, nil
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
