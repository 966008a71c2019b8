package escalation

import (
	"strings"
	"testing"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector()
	if err != nil {
		t.Fatalf("Failed to load embedded keyword set: %v", err)
	}
	return d
}

func TestDetectLiteralKeywords(t *testing.T) {
	d := newTestDetector(t)

	// The keyword list is a wire-level contract: these literal phrases
	// must fire, exactly as written.
	phrases := []string{
		"chest pain",
		"chest pressure",
		"heart attack",
		"can't breathe",
		"shortness of breath",
		"difficulty breathing",
		"stroke",
		"fainted",
		"passed out",
		"syncope",
		"911",
		"emergency",
	}

	for _, phrase := range phrases {
		t.Run(phrase, func(t *testing.T) {
			result := d.Detect(phrase)
			if !result.Escalate {
				t.Errorf("Expected escalation for literal phrase %q", phrase)
			}
			if len(result.Matched) == 0 {
				t.Errorf("Expected matched keywords for %q", phrase)
			}
		})
	}
}

func TestDetectCaseInsensitive(t *testing.T) {
	d := newTestDetector(t)

	tests := []string{
		"CHEST PAIN",
		"Chest Pain",
		"I am having ChEsT pAiN right now",
		"EMERGENCY",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if !d.Detect(text).Escalate {
				t.Errorf("Expected escalation for %q regardless of case", text)
			}
		})
	}
}

func TestDetectSubstringMatch(t *testing.T) {
	d := newTestDetector(t)

	result := d.Detect("I took my meds but now I'm having chest pain and shortness of breath")
	if !result.Escalate {
		t.Fatal("Expected escalation")
	}

	found := map[string]bool{}
	for _, m := range result.Matched {
		found[m] = true
	}
	if !found["chest pain"] {
		t.Errorf("Expected 'chest pain' in matched keywords, got %v", result.Matched)
	}
	if !found["shortness of breath"] {
		t.Errorf("Expected 'shortness of breath' in matched keywords, got %v", result.Matched)
	}
}

func TestDetectNoMatch(t *testing.T) {
	d := newTestDetector(t)

	tests := []string{
		"Took my Metformin 1000mg this morning",
		"Feeling much better today, thanks",
		"Can you reschedule my appointment?",
		"",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			result := d.Detect(text)
			if result.Escalate {
				t.Errorf("Unexpected escalation for %q, matched %v", text, result.Matched)
			}
			if len(result.Matched) != 0 {
				t.Errorf("Expected no matches for %q, got %v", text, result.Matched)
			}
		})
	}
}

func TestKeywordSetVersioned(t *testing.T) {
	d := newTestDetector(t)

	if d.Version() != "1" {
		t.Errorf("Expected keyword set version '1', got %q", d.Version())
	}
}

func TestNewDetectorFromSetValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing version", "categories:\n  cardiac:\n    - chest pain\n"},
		{"empty set", "version: 2\ncategories: {}\n"},
		{"empty phrase", "version: 2\ncategories:\n  cardiac:\n    - \"  \"\n"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDetectorFromSet([]byte(tt.raw)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestDetectionIndependentOfContext(t *testing.T) {
	d := newTestDetector(t)

	// Same text, repeated calls: detector holds no state and the
	// result never varies with prior inputs.
	text := "having chest pain"
	first := d.Detect(text)
	d.Detect("all fine")
	second := d.Detect(text)

	if !first.Escalate || !second.Escalate {
		t.Fatal("Detection must be stateless")
	}
	if strings.Join(first.Matched, ",") != strings.Join(second.Matched, ",") {
		t.Errorf("Expected identical matches, got %v and %v", first.Matched, second.Matched)
	}
}
