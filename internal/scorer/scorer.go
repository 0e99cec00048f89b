// Package scorer computes the importance score used by the tier and
// retrieval policies. It is a pure function of a frame's events and
// anchors (spec §4.5): no I/O, no clock reads beyond what's already in the
// frame/event timestamps passed in.
package scorer

import (
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

const (
	weightDecisionAnchor          = 10
	weightConstraintOrIfaceAnchor = 15
	weightUnresolvedError         = 5
	weightToolCall                = 1
	activityBonus                 = 2
	shortFrameThreshold           = 30 * time.Second
	shortFramePenalty             = -3
)

// Score computes the importance score for a frame given its full event and
// anchor history, and the time it closed. Ties are broken by the caller
// preferring the most recently closed frame — Score itself is order-
// independent over its inputs.
func Score(frame *types.Frame, events []*types.Event, anchors []*types.Anchor, closedAt time.Time) int {
	score := 0

	for _, a := range anchors {
		switch a.Type {
		case types.AnchorDecision:
			score += weightDecisionAnchor
		case types.AnchorConstraint, types.AnchorInterfaceContract:
			score += weightConstraintOrIfaceAnchor
		}
	}

	toolCalls := 0
	unresolvedErrors := 0
	resolvedByDecision := false
	for _, e := range events {
		switch e.EventType {
		case types.EventToolCall:
			toolCalls++
		case types.EventError:
			unresolvedErrors++
		case types.EventDecisionLog:
			resolvedByDecision = true
		}
	}
	if resolvedByDecision && unresolvedErrors > 0 {
		unresolvedErrors--
	}
	score += toolCalls * weightToolCall
	score += unresolvedErrors * weightUnresolvedError

	if len(events) > 0 {
		score += activityBonus
	}

	if !frame.CreatedAt.IsZero() && closedAt.Sub(frame.CreatedAt) < shortFrameThreshold && len(events) <= 1 {
		score += shortFramePenalty
	}

	if score < 0 {
		score = 0
	}
	return score
}
