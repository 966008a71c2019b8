// Package escalation implements emergency keyword detection on inbound
// patient text. Detection is deliberately keyword-based rather than
// model-based: it must be auditable, reproducible, and fast enough to
// run on every message without an external call, and it must never be
// skipped because a downstream AI call failed.
package escalation

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var keywordsYAML []byte

// KeywordSet is the versioned emergency keyword contract.
type KeywordSet struct {
	Version    int                 `yaml:"version"`
	Categories map[string][]string `yaml:"categories"`
}

// Result is the outcome of scanning one piece of inbound text.
type Result struct {
	Escalate bool     `json:"escalate"`
	Matched  []string `json:"matched,omitempty"`
}

// Detector scans inbound patient text against the keyword set.
// It is stateless and safe for concurrent use.
type Detector struct {
	version  int
	keywords []string
}

// NewDetector loads the embedded keyword set.
func NewDetector() (*Detector, error) {
	return NewDetectorFromSet(keywordsYAML)
}

// NewDetectorFromSet builds a detector from a serialized keyword set.
func NewDetectorFromSet(raw []byte) (*Detector, error) {
	var set KeywordSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("failed to parse keyword set: %w", err)
	}
	if set.Version <= 0 {
		return nil, fmt.Errorf("keyword set missing version")
	}

	var keywords []string
	for _, phrases := range set.Categories {
		for _, p := range phrases {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				return nil, fmt.Errorf("keyword set contains an empty phrase")
			}
			keywords = append(keywords, p)
		}
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("keyword set is empty")
	}

	return &Detector{version: set.Version, keywords: keywords}, nil
}

// Version returns the keyword set version. Recorded on every alert the
// detector triggers.
func (d *Detector) Version() string {
	return fmt.Sprintf("%d", d.version)
}

// Detect scans text for emergency keywords. Case-insensitive substring
// match; any single match fires escalation. Detection ignores
// verification status, lock state, and conversation history.
func (d *Detector) Detect(text string) Result {
	lowered := strings.ToLower(text)

	var matched []string
	for _, kw := range d.keywords {
		if strings.Contains(lowered, kw) {
			matched = append(matched, kw)
		}
	}

	return Result{Escalate: len(matched) > 0, Matched: matched}
}
