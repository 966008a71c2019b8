// Package confidence scores free-text clinical claims by lexical cues.
// The score reflects how specific a self-report is, not whether it is
// true; verification stays with the physician workflow.
package confidence

import (
	"regexp"
	"strings"
)

// Score levels.
const (
	ScoreNone         = 0 // no recognizable medical content
	ScoreVague        = 1 // vague medical reference, no drug name
	ScoreDrugOnly     = 2 // recognized drug name alone
	ScoreCorroborated = 3 // drug name plus dose or prescriber reference
)

var doseRE = regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(mg|mcg|g|ml|units?|iu)\b`)

// Estimator scores claim text against fixed lexical lookup tables.
// Deterministic and side-effect free so scoring can be re-run offline
// against a regression corpus.
type Estimator struct {
	drugs      map[string]struct{}
	prescriber []string
	vague      []string
}

// NewEstimator builds an estimator with the default lexicon.
func NewEstimator() *Estimator {
	drugs := make(map[string]struct{}, len(drugNames))
	for _, d := range drugNames {
		drugs[d] = struct{}{}
	}
	return &Estimator{
		drugs:      drugs,
		prescriber: prescriberTokens,
		vague:      vagueReferences,
	}
}

// Score rates a free-text clinical claim 0-3.
//
// Priority order: drug name and a numeric dose token, or drug name and a
// prescriber reference, scores 3; drug name alone scores 2; a vague
// medical reference with no drug name scores 1; anything else scores 0.
func (e *Estimator) Score(text string) int {
	lowered := strings.ToLower(text)

	hasDrug := e.containsDrug(lowered)
	if hasDrug {
		if doseRE.MatchString(lowered) {
			return ScoreCorroborated
		}
		if containsAny(lowered, e.prescriber) {
			return ScoreCorroborated
		}
		return ScoreDrugOnly
	}

	if containsAny(lowered, e.vague) {
		return ScoreVague
	}

	return ScoreNone
}

func (e *Estimator) containsDrug(lowered string) bool {
	for _, word := range tokenize(lowered) {
		if _, ok := e.drugs[word]; ok {
			return true
		}
	}
	return false
}

func containsAny(lowered string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// tokenize splits on anything that is not a letter, so drug names match
// as whole words and "aspiring" does not hit "aspirin".
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
}
