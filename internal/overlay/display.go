package overlay

import (
	"context"

	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

// Dataset indices within a [ChartSpec]. The human series comes first so that
// it is drawn in the foreground.
const (
	HumanDataset   = 0
	MachineDataset = 1
)

// Y axis domain shared by every metric chart.
const (
	YMin  = scenario.MinScore
	YMax  = scenario.MaxScore
	YStep = 1
)

// PreviewRunes is the number of characters of utterance text shown in a tooltip.
const PreviewRunes = 100

// Display is the surface registry charts are mounted on.
type Display interface {
	// Surface looks up the chart surface with the given identifier.
	Surface(id string) (Surface, bool)

	// SetVisible shows or hides the whole chart section.
	SetVisible(visible bool)
}

// Surface is a place a single chart can be mounted.
type Surface interface {
	// Mount renders spec and returns the live chart. Mount must not invoke any
	// of spec's callbacks before returning.
	Mount(spec ChartSpec) (Chart, error)
}

// Chart is a mounted chart.
type Chart interface {
	// Destroy releases the chart's rendering resources.
	Destroy()
}

// Persister stores an overlay for a scenario file. A server-side rejection
// is reported as a *client.ApplicationError; any other error counts as a
// transport failure. *client.Client satisfies Persister.
type Persister interface {
	SaveAnnotations(ctx context.Context, filename string, ov annotation.Overlay) error
}

// NoticeKind classifies a user notification.
type NoticeKind int

const (
	NoticeSuccess NoticeKind = iota
	NoticeError
)

// Notice is a blocking, user-visible message.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Notifier shows notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// SaveControl is the save affordance (a button in the browser UI).
type SaveControl interface {
	SetEnabled(enabled bool)
	SetCaption(caption string)
}

// Dataset is one series of a chart.
type Dataset struct {
	Label     string
	Values    []*int
	Draggable bool

	// Order is the drawing order; lower values are drawn on top.
	Order int
}

// Tooltip is the hover content for one x-position.
type Tooltip struct {
	Title   string
	Lines   []string
	Preview string
}

// DragHandlers are the drag lifecycle callbacks a chart must honour.
type DragHandlers struct {
	// Start reports whether a drag of the given dataset may begin.
	Start func(dataset, index int) bool

	// Move maps a raw pointer value to the value displayed while dragging.
	Move func(dataset, index int, value float64) float64

	// End commits the final value.
	End func(dataset, index int, value float64)
}

// ChartSpec fully describes one metric chart.
type ChartSpec struct {
	Metric   scenario.Metric
	Labels   []string
	Datasets [2]Dataset
	YMin     int
	YMax     int
	YStep    int
	Drag     DragHandlers
	Tooltip  func(index int) Tooltip
}
