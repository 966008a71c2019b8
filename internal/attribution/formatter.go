// Package attribution renders clinical data as trust-annotated strings.
// Every consumer that displays a datum value goes through Format; a raw
// value with no trust annotation presents unverified self-report as
// confirmed fact.
package attribution

import (
	"fmt"
	"strings"

	"github.com/carebridge/triage/internal/datum"
)

const dateLayout = "2006-01-02"

// Format renders the canonical annotated string for a datum. Pure
// function of the datum's fields; never mutates state.
func Format(d *datum.ClinicalDatum) string {
	body := fmt.Sprintf("%s: %s", d.Label, d.DisplayValue())

	switch d.VerificationStatus {
	case datum.StatusVerified:
		return fmt.Sprintf("[VERIFIED by %s %s] %s",
			actor(d), stamp(d), body)
	case datum.StatusDisputed:
		return fmt.Sprintf("[DISPUTED by %s] %s", actor(d), body)
	case datum.StatusPendingReview:
		return fmt.Sprintf("[PENDING REVIEW - %s %s] %s",
			d.SourceType.Label(), d.RecordedAt.Format(dateLayout), body)
	default:
		return fmt.Sprintf("[UNVERIFIED - %s %s] %s",
			d.SourceType.Label(), d.RecordedAt.Format(dateLayout), body)
	}
}

func actor(d *datum.ClinicalDatum) string {
	if d.VerifiedBy == nil {
		return "unknown"
	}
	return d.VerifiedBy.String()
}

func stamp(d *datum.ClinicalDatum) string {
	if d.VerifiedAt == nil {
		return d.RecordedAt.Format(dateLayout)
	}
	return d.VerifiedAt.Format(dateLayout)
}

// status markers recognized by ParseStatus, checked in order
var markers = []struct {
	prefix string
	status datum.VerificationStatus
}{
	{"[VERIFIED by ", datum.StatusVerified},
	{"[DISPUTED by ", datum.StatusDisputed},
	{"[PENDING REVIEW - ", datum.StatusPendingReview},
	{"[UNVERIFIED - ", datum.StatusUnverified},
}

// ParseStatus recovers the verification status from a formatted string.
// Formatter output always round-trips; anything else reports false.
func ParseStatus(s string) (datum.VerificationStatus, bool) {
	for _, m := range markers {
		if strings.HasPrefix(s, m.prefix) && strings.Contains(s, "] ") {
			return m.status, true
		}
	}
	return "", false
}
