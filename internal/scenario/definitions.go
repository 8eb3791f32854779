package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

// MetricDefinition is the reviewer-facing description of one metric.
type MetricDefinition struct {
	Definition string            `json:"定義"`
	Criteria   map[string]string `json:"スコア基準,omitempty"`
	Question   string            `json:"質問,omitempty"`
}

// Definitions maps metric display names to their definitions. It is loaded
// from the metrics file and embedded in every annotation prompt.
type Definitions struct {
	// Raw is the file content as read, served verbatim to clients.
	Raw json.RawMessage

	byName map[string]MetricDefinition
}

// LoadDefinitions reads metric definitions from path.
func LoadDefinitions(path string) (*Definitions, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read metric definitions: %w", err)
	}
	return ParseDefinitions(b)
}

// ParseDefinitions decodes metric definitions from JSON.
func ParseDefinitions(b []byte) (*Definitions, error) {
	var m map[string]MetricDefinition
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("scenario: parse metric definitions: %w", err)
	}
	return &Definitions{Raw: json.RawMessage(b), byName: m}, nil
}

// Get returns the definition of the named metric.
func (d *Definitions) Get(name string) (MetricDefinition, bool) {
	if d == nil {
		return MetricDefinition{}, false
	}
	def, ok := d.byName[name]
	return def, ok
}

// names returns known metrics first in their fixed order, then any extra
// entries sorted by name.
func (d *Definitions) names() []string {
	var out []string
	for _, m := range Metrics {
		if _, ok := d.byName[m.Name]; ok {
			out = append(out, m.Name)
		}
	}
	var extra []string
	for name := range d.byName {
		if _, known := LookupMetric(name); !known {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// Format renders the definitions as prompt text.
func (d *Definitions) Format() string {
	if d == nil {
		return ""
	}
	var blocks []string
	for _, name := range d.names() {
		def := d.byName[name]
		var sb strings.Builder
		fmt.Fprintf(&sb, "【%s】\n定義: %s\n", name, def.Definition)
		if len(def.Criteria) > 0 {
			sb.WriteString("スコア基準:\n")
			levels := make([]string, 0, len(def.Criteria))
			for level := range def.Criteria {
				levels = append(levels, level)
			}
			slices.Sort(levels)
			for _, level := range levels {
				fmt.Fprintf(&sb, "  %s: %s\n", level, def.Criteria[level])
			}
		}
		if def.Question != "" {
			fmt.Fprintf(&sb, "評価の観点: %s\n", def.Question)
		}
		blocks = append(blocks, sb.String())
	}
	return strings.Join(blocks, "\n")
}
