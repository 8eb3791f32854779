// Package overlay implements the annotation overlay manager: it reconciles
// machine metric scores with human overrides, feeds one draggable chart per
// metric, records drag edits, and persists the overrides.
//
// A [Manager] is an explicit session object. UI code creates one with [New],
// passes it to its event callbacks, and calls [Manager.Initialize] whenever a
// scenario is loaded. All methods are safe for concurrent use and mutations
// are applied one at a time in call order.
package overlay

// Point is one x-position of a merged metric series. A nil score is absent.
type Point struct {
	Machine *int
	Human   *int
}

// ResolveScore picks the displayed human score: the override if present,
// otherwise the machine score, otherwise nothing.
func ResolveScore(override, machine *int) *int {
	switch {
	case override != nil:
		return override
	case machine != nil:
		return machine
	default:
		return nil
	}
}

func intPtr(v int) *int { return &v }
