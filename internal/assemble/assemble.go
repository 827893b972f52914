// Package assemble turns a session's comments into an outgoing review
// payload. The assembler is pure: it reads nothing and writes nothing,
// it only maps stored comments onto the submission format.
package assemble

import (
	"fmt"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/github"
	"github.com/in-the-loop-labs/pair-review/internal/diff"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// MaxComments is the per-submission inline comment cap.
const MaxComments = 50

// Review events accepted by the remote host.
const (
	EventApprove        = "APPROVE"
	EventRequestChanges = "REQUEST_CHANGES"
	EventComment        = "COMMENT"
	EventDraft          = "DRAFT"
)

// OverflowPolicy decides what happens when a session carries more than
// MaxComments comments.
type OverflowPolicy int

const (
	// Refuse returns an error, leaving the caller to trim.
	Refuse OverflowPolicy = iota
	// Split truncates to the first MaxComments comments; the remainder
	// is reported for a follow-up submission.
	Split
)

// Input is everything the assembler needs.
type Input struct {
	Event       string
	Body        string
	Comments    []domain.Comment
	UnifiedDiff string
	Overflow    OverflowPolicy
}

// Output is the assembled payload plus any comments deferred by the
// Split policy.
type Output struct {
	Review   github.ReviewRequest
	Deferred []domain.Comment
}

// Build assembles the outgoing review. Each comment's position is
// computed by walking the unified diff; lines outside any hunk fall
// back to line+side anchoring.
func Build(in Input) (Output, error) {
	event := in.Event
	switch event {
	case EventApprove, EventRequestChanges, EventComment:
	case EventDraft:
		event = "" // a pending review has no event
	default:
		return Output{}, fmt.Errorf("unknown review event %q", in.Event)
	}

	comments := liveComments(in.Comments)
	var deferred []domain.Comment
	if len(comments) > MaxComments {
		switch in.Overflow {
		case Split:
			deferred = comments[MaxComments:]
			comments = comments[:MaxComments]
		default:
			return Output{}, fmt.Errorf("%d comments exceed the %d-comment submission limit", len(comments), MaxComments)
		}
	}

	parsedByFile := make(map[string]diff.ParsedDiff)
	for _, fp := range diff.SplitFiles(in.UnifiedDiff) {
		parsed, err := diff.Parse(fp.Patch)
		if err != nil {
			continue
		}
		parsedByFile[fp.Path] = parsed
	}

	review := github.ReviewRequest{Event: event, Body: in.Body}
	for _, c := range comments {
		review.Comments = append(review.Comments, buildComment(c, parsedByFile))
	}

	return Output{Review: review, Deferred: deferred}, nil
}

// buildComment anchors one comment. Position anchoring wins when the
// line maps into the diff; otherwise line+side anchoring is used.
func buildComment(c domain.Comment, parsedByFile map[string]diff.ParsedDiff) github.ReviewComment {
	out := github.ReviewComment{
		Path: c.File,
		Body: c.Body,
		Side: coerceSide(c.Side),
	}

	anchor := c.LineEnd
	if anchor == nil {
		anchor = c.LineStart
	}
	if anchor == nil {
		// File-level comments anchor at the top of the file.
		line := 1
		out.Line = &line
		return out
	}

	if parsed, ok := parsedByFile[c.File]; ok {
		var pos *int
		if c.Side == domain.SideOld {
			pos = parsed.FindOldPosition(*anchor)
		} else {
			pos = parsed.FindPosition(*anchor)
		}
		if pos != nil {
			out.Position = pos
			return out
		}
	}

	out.Line = anchor
	return out
}

// coerceSide maps stored OLD/NEW onto the host's LEFT/RIGHT.
func coerceSide(side domain.Side) string {
	if side == domain.SideOld {
		return "LEFT"
	}
	return "RIGHT"
}

// liveComments filters soft-deleted comments out.
func liveComments(comments []domain.Comment) []domain.Comment {
	out := make([]domain.Comment, 0, len(comments))
	for _, c := range comments {
		if !c.Deleted {
			out = append(out, c)
		}
	}
	return out
}
