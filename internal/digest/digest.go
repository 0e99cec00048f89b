// Package digest produces the deterministic structured summary emitted
// when a frame closes (spec §4.8). Digest is a pure function of the
// frame's frozen event/anchor history plus a precomputed importance score —
// given the same inputs it always returns a byte-equal result (spec §8
// invariant 3).
package digest

import (
	"encoding/json"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// eventPayload is the loose shape event payloads are expected to carry.
// Fields absent in a given event are simply zero-valued; Build never fails
// on a payload that doesn't match.
type eventPayload struct {
	Tool      string `json:"tool"`
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Resolved  bool   `json:"resolved"`
	TestsPass int    `json:"tests_passed"`
	TestsFail int    `json:"tests_failed"`
}

const maxDecisions = 10
const maxRisks = 10

// Build computes the FrameDigest for frame given its frozen events,
// anchors, an already-computed importance score, and an optional
// caller-supplied close_frame summary.
func Build(frame *types.Frame, events []*types.Event, anchors []*types.Anchor, importanceScore int, callerSummary string, closedAt time.Time) *types.FrameDigest {
	d := &types.FrameDigest{
		FrameID:         frame.FrameID,
		ImportanceScore: importanceScore,
		Summary:         callerSummary,
		ClosedAt:        closedAt,
	}

	fileSeen := map[string]bool{}
	pathSeen := map[string]bool{}
	unresolvedErrors := 0
	for _, e := range events {
		var p eventPayload
		_ = json.Unmarshal(e.Payload, &p)

		switch e.EventType {
		case types.EventToolCall:
			d.ToolCallCount++
			if p.Path != "" {
				op := types.FileOp(p.Operation)
				switch op {
				case types.FileCreate, types.FileModify, types.FileDelete:
				default:
					// Operation omitted: a path's first appearance in the
					// frame's history is its creation, every later touch a
					// modification.
					if pathSeen[p.Path] {
						op = types.FileModify
					} else {
						op = types.FileCreate
					}
				}
				pathSeen[p.Path] = true
				key := p.Path + "|" + string(op)
				if !fileSeen[key] {
					fileSeen[key] = true
					d.FilesModified = append(d.FilesModified, types.FileChange{Path: p.Path, Op: op})
				}
			}
		case types.EventError:
			if !p.Resolved {
				unresolvedErrors++
			}
		case types.EventToolResult:
			d.TestsRun.Passed += p.TestsPass
			d.TestsRun.Failed += p.TestsFail
		}
	}
	d.UnresolvedErrors = unresolvedErrors

	for _, a := range anchors {
		switch a.Type {
		case types.AnchorDecision:
			if len(d.Decisions) < maxDecisions {
				d.Decisions = append(d.Decisions, a.Text)
			}
		case types.AnchorRisk:
			if len(d.Risks) < maxRisks {
				d.Risks = append(d.Risks, a.Text)
			}
		}
	}

	d.Status = classifyStatus(d, len(events))
	d.NextStepHint = nextStepFor(d.Status)
	return d
}

func classifyStatus(d *types.FrameDigest, eventCount int) types.FrameDigestStatus {
	switch {
	case eventCount == 0:
		return types.DigestOngoing
	case d.UnresolvedErrors > 0 && d.TestsRun.Failed > 0:
		return types.DigestFailure
	case d.UnresolvedErrors > 0:
		return types.DigestFailure
	case d.TestsRun.Failed > 0:
		return types.DigestFailure
	case len(d.FilesModified) > 0 && d.TestsRun.Passed == 0 && d.TestsRun.Failed == 0:
		return types.DigestPartial
	case len(d.FilesModified) > 0 && d.TestsRun.Passed > 0:
		return types.DigestSuccess
	case len(d.FilesModified) == 0 && d.ToolCallCount == 0:
		return types.DigestOngoing
	default:
		return types.DigestPartial
	}
}

func nextStepFor(status types.FrameDigestStatus) types.NextStepHint {
	switch status {
	case types.DigestSuccess:
		return types.HintCommitAndTest
	case types.DigestFailure:
		return types.HintFixErrors
	case types.DigestPartial:
		return types.HintReviewAndContinue
	default:
		return types.HintCheckStatus
	}
}
