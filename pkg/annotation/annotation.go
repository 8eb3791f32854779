// Package annotation defines the human-annotation overlay exchanged between
// the overlay manager, the API client and the server.
package annotation

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Override is a reviewer's score for one (position, metric) pair.
type Override struct {
	Score int    `json:"score"`
	Note  string `json:"note"`
}

// Overlay holds human overrides keyed by utterance position, then metric
// display name. It is sparse: a missing entry means "use the machine score".
type Overlay map[int]map[string]Override

// Get returns the override at (pos, metric).
func (o Overlay) Get(pos int, metric string) (Override, bool) {
	ov, ok := o[pos][metric]
	return ov, ok
}

// Set stores ov at (pos, metric).
func (o Overlay) Set(pos int, metric string, ov Override) {
	row, ok := o[pos]
	if !ok {
		row = make(map[string]Override, 4)
		o[pos] = row
	}
	row[metric] = ov
}

// Len returns the number of overrides across all positions.
func (o Overlay) Len() int {
	n := 0
	for _, row := range o {
		n += len(row)
	}
	return n
}

// Clone returns a deep copy.
func (o Overlay) Clone() Overlay {
	out := make(Overlay, len(o))
	for pos, row := range o {
		cp := make(map[string]Override, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[pos] = cp
	}
	return out
}

// UnmarshalJSON decodes the wire shape, whose outer keys are stringified
// positions. Non-numeric keys are rejected.
func (o *Overlay) UnmarshalJSON(b []byte) error {
	var raw map[string]map[string]Override
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Overlay, len(raw))
	for k, row := range raw {
		pos, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("annotation: position %q is not an integer", k)
		}
		out[pos] = row
	}
	*o = out
	return nil
}

