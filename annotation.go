// FILE: annotation.go
// Package main – Linkage annotations written into the broker comment field.
//
// Format: "{KIND}:{parent_id}", e.g. "HEDGE:48213377". The annotation is only
// a bootstrap signal for reconciliation after a restart; the tracker's
// member→stack table is the source of truth while running.
//
// The broker truncates comments silently (MT5 keeps 31 chars), so encoding
// refuses anything longer instead of letting a cut linkage reach the broker.
package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxAnnotationLen is the MT5 comment limit.
const DefaultMaxAnnotationLen = 31

// EncodeAnnotation builds the linkage annotation for a recovery member.
func EncodeAnnotation(kind MemberKind, parent PositionID, maxLen int) (string, error) {
	switch kind {
	case KindGrid, KindHedge, KindDca:
	default:
		return "", fmt.Errorf("encode annotation: kind %s has no linkage", kind)
	}
	if parent <= 0 {
		return "", fmt.Errorf("encode annotation: parent id %d: %w", parent, ErrInvalidPosition)
	}
	s := kind.String() + ":" + strconv.FormatInt(int64(parent), 10)
	if maxLen > 0 && len(s) > maxLen {
		return "", fmt.Errorf("%w: %q is %d chars, max %d", ErrAnnotationOverflow, s, len(s), maxLen)
	}
	return s, nil
}

// annotationClass is the outcome of reading a broker comment.
type annotationClass int

const (
	annotationNone      annotationClass = iota // no recovery linkage; root candidate
	annotationLinked                           // parsed kind and parent
	annotationMalformed                        // recovery-shaped but unusable
)

type parsedAnnotation struct {
	class  annotationClass
	kind   MemberKind
	parent PositionID
	reason string
}

var (
	// shortened forms written by older builds: "G1-91276", "H-91276", "D2-91276", "Grid L1 - 91276"
	legacyAnnotation = regexp.MustCompile(`(?i)^(g\d*|h|d\d*|grid\s*l\d+|hedge|dca\s*l?\d*)\s*-\s*\d+$`)
	kindTags         = []string{"GRID", "HEDGE", "DCA"}
)

// ParseAnnotation classifies a broker comment. Anything that looks like a
// linkage but cannot be read exactly is malformed, never a root.
func ParseAnnotation(raw string) parsedAnnotation {
	s := strings.TrimSpace(raw)
	if s == "" {
		return parsedAnnotation{class: annotationNone}
	}
	if legacyAnnotation.MatchString(s) {
		return parsedAnnotation{class: annotationMalformed, reason: "legacy shortened linkage"}
	}
	upper := strings.ToUpper(s)

	head, tail, hasColon := strings.Cut(upper, ":")
	if !hasColon {
		// a truncated tag like "HEDG" or "HEDGE" with the parent cut off
		for _, tag := range kindTags {
			if strings.HasPrefix(tag, upper) || upper == tag {
				return parsedAnnotation{class: annotationMalformed, reason: "truncated linkage tag"}
			}
		}
		return parsedAnnotation{class: annotationNone}
	}

	var kind MemberKind
	switch head {
	case "GRID":
		kind = KindGrid
	case "HEDGE":
		kind = KindHedge
	case "DCA":
		kind = KindDca
	default:
		for _, tag := range kindTags {
			if strings.HasPrefix(tag, head) {
				return parsedAnnotation{class: annotationMalformed, reason: "truncated linkage tag"}
			}
		}
		return parsedAnnotation{class: annotationNone}
	}

	id, err := strconv.ParseInt(strings.TrimSpace(tail), 10, 64)
	if err != nil || id <= 0 {
		return parsedAnnotation{class: annotationMalformed, kind: kind, reason: "unparsable parent id"}
	}
	return parsedAnnotation{class: annotationLinked, kind: kind, parent: PositionID(id)}
}
