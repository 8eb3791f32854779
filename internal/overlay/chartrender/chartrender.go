// Package chartrender is a server-side [overlay.Display] that draws metric
// charts with go-chart. It backs the chart image endpoint and lets tools and
// tests drive the drag lifecycle without a browser.
package chartrender

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/golang/freetype/truetype"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/sakihiromi/well-scenario/internal/overlay"
	"github.com/sakihiromi/well-scenario/internal/scenario"
)

// Format selects the image encoding.
type Format string

const (
	PNG Format = "png"
	SVG Format = "svg"
)

// ParseFormat maps a query value to a Format. "" means PNG.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "png":
		return PNG, nil
	case "svg":
		return SVG, nil
	}
	return "", fmt.Errorf("chartrender: unsupported format %q", s)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == SVG {
		return chart.ContentTypeSVG
	}
	return chart.ContentTypePNG
}

var (
	// ErrDestroyed is returned when a destroyed chart is used.
	ErrDestroyed = errors.New("chartrender: chart destroyed")

	// ErrNoData is returned when no series has a single point to draw.
	ErrNoData = errors.New("chartrender: nothing to draw")
)

const (
	defaultWidth  = 1024
	defaultHeight = 360

	// maxXTicks bounds the number of x labels; long scenarios label every
	// k-th utterance.
	maxXTicks = 25
)

var (
	humanColor   = chart.ColorBlue
	machineColor = chart.ColorOrange
)

// Option configures a [Board].
type Option func(*Board)

// WithSize sets the image size in pixels.
func WithSize(width, height int) Option {
	return func(b *Board) {
		if width > 0 {
			b.width = width
		}
		if height > 0 {
			b.height = height
		}
	}
}

// WithFont sets the font used for all text. Without a font with Japanese
// glyphs, titles and legends fall back to ASCII names.
func WithFont(f *truetype.Font) Option {
	return func(b *Board) { b.font = f }
}

// WithSurfaces limits the board to the given surface IDs. By default the
// board offers one surface per fixed metric.
func WithSurfaces(ids ...string) Option {
	return func(b *Board) { b.ids = ids }
}

// LoadFont reads a TrueType font file.
func LoadFont(path string) (*truetype.Font, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chartrender: read font: %w", err)
	}
	f, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("chartrender: parse font %s: %w", path, err)
	}
	return f, nil
}

// Board is a set of chart surfaces. It implements [overlay.Display].
type Board struct {
	width, height int
	font          *truetype.Font
	ids           []string

	mu       sync.Mutex
	visible  bool
	surfaces map[string]*Canvas
}

var _ overlay.Display = (*Board)(nil)

// NewBoard returns a board with one surface per metric.
func NewBoard(opts ...Option) *Board {
	b := &Board{width: defaultWidth, height: defaultHeight}
	for _, m := range scenario.Metrics {
		b.ids = append(b.ids, m.SurfaceID())
	}
	for _, o := range opts {
		o(b)
	}
	b.surfaces = make(map[string]*Canvas, len(b.ids))
	for _, id := range b.ids {
		b.surfaces[id] = &Canvas{board: b, id: id}
	}
	return b
}

// Surface implements [overlay.Display].
func (b *Board) Surface(id string) (overlay.Surface, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.surfaces[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// SetVisible implements [overlay.Display].
func (b *Board) SetVisible(v bool) {
	b.mu.Lock()
	b.visible = v
	b.mu.Unlock()
}

// Visible reports whether the board is shown.
func (b *Board) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

// Chart returns the live chart mounted for metric, if any.
func (b *Board) Chart(metric scenario.Metric) (*Chart, bool) {
	b.mu.Lock()
	c, ok := b.surfaces[metric.SurfaceID()]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.current()
}

// Canvas is one chart surface. It implements [overlay.Surface].
type Canvas struct {
	board *Board
	id    string

	mu    sync.Mutex
	chart *Chart
}

// Mount implements [overlay.Surface].
func (c *Canvas) Mount(spec overlay.ChartSpec) (overlay.Chart, error) {
	ch := &Chart{
		spec:   spec,
		width:  c.board.width,
		height: c.board.height,
		font:   c.board.font,
	}
	for i, ds := range spec.Datasets {
		ch.values[i] = slices.Clone(ds.Values)
	}
	c.mu.Lock()
	c.chart = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *Canvas) current() (*Chart, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chart == nil || c.chart.isDestroyed() {
		return nil, false
	}
	return c.chart, true
}

// Chart is a mounted metric chart. It keeps its own copy of the series so a
// drag is reflected immediately, as a browser chart would.
type Chart struct {
	spec          overlay.ChartSpec
	width, height int
	font          *truetype.Font

	mu        sync.Mutex
	values    [2][]*int
	destroyed bool
}

var _ overlay.Chart = (*Chart)(nil)

// Destroy implements [overlay.Chart].
func (c *Chart) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.values = [2][]*int{}
	c.mu.Unlock()
}

func (c *Chart) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Spec returns the spec the chart was mounted with.
func (c *Chart) Spec() overlay.ChartSpec { return c.spec }

// Values returns the displayed values of dataset.
func (c *Chart) Values(dataset int) []*int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.values[dataset])
}

// Drag runs one drag gesture on (dataset, index) through the given pointer
// positions and reports whether the drag was allowed to start. The last
// position is the drop point.
func (c *Chart) Drag(dataset, index int, positions ...float64) (bool, error) {
	if c.isDestroyed() {
		return false, ErrDestroyed
	}
	if dataset < 0 || dataset > 1 || index < 0 || index >= len(c.spec.Labels) {
		return false, fmt.Errorf("chartrender: no point %d in dataset %d", index, dataset)
	}
	if len(positions) == 0 {
		return false, errors.New("chartrender: drag needs at least one position")
	}
	d := c.spec.Drag
	if d.Start == nil || !d.Start(dataset, index) {
		return false, nil
	}

	var shown float64
	for _, p := range positions {
		shown = p
		if d.Move != nil {
			shown = d.Move(dataset, index, p)
		}
		v := int(shown)
		c.mu.Lock()
		c.values[dataset][index] = &v
		c.mu.Unlock()
	}
	if d.End != nil {
		d.End(dataset, index, shown)
	}
	return true, nil
}

// Hover returns the tooltip for index.
func (c *Chart) Hover(index int) overlay.Tooltip {
	if c.spec.Tooltip == nil {
		return overlay.Tooltip{}
	}
	return c.spec.Tooltip(index)
}

// Render draws the chart in the given format.
func (c *Chart) Render(w io.Writer, f Format) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	values := [2][]*int{slices.Clone(c.values[0]), slices.Clone(c.values[1])}
	c.mu.Unlock()

	graph := c.graph(values)
	if len(graph.Series) == 0 {
		return ErrNoData
	}
	provider := chart.PNG
	if f == SVG {
		provider = chart.SVG
	}
	if err := graph.Render(provider, w); err != nil {
		return fmt.Errorf("chartrender: render %s: %w", c.spec.Metric.ID, err)
	}
	return nil
}

func (c *Chart) graph(values [2][]*int) chart.Chart {
	n := len(c.spec.Labels)
	names := [2]string{"human", "machine"}
	title := c.spec.Metric.ID
	if c.font != nil {
		names = [2]string{c.spec.Datasets[0].Label, c.spec.Datasets[1].Label}
		title = c.spec.Metric.Name
	}
	colors := [2]drawing.Color{humanColor, machineColor}

	// Machine first so the human line is drawn on top.
	var series []chart.Series
	for _, ds := range []int{overlay.MachineDataset, overlay.HumanDataset} {
		style := lineStyle(colors[ds], ds == overlay.MachineDataset)
		series = append(series, segments(values[ds], style)...)
	}

	legendSeries := []chart.Series{
		chart.ContinuousSeries{Name: names[0], Style: lineStyle(colors[0], false), XValues: []float64{1}, YValues: []float64{0}},
		chart.ContinuousSeries{Name: names[1], Style: lineStyle(colors[1], true), XValues: []float64{1}, YValues: []float64{0}},
	}
	legendOnly := chart.Chart{Series: legendSeries, Font: c.font}

	g := chart.Chart{
		Title:      title,
		Width:      c.width,
		Height:     c.height,
		Font:       c.font,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 28}},
		XAxis: chart.XAxis{
			Range: &chart.ContinuousRange{Min: 0.5, Max: float64(n) + 0.5},
			Ticks: xTicks(c.spec.Labels),
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: float64(c.spec.YMin), Max: float64(c.spec.YMax)},
			Ticks: yTicks(c.spec.YMin, c.spec.YMax, c.spec.YStep),
		},
		Series: series,
	}
	g.Elements = []chart.Renderable{chart.Legend(&legendOnly)}
	return g
}

func lineStyle(col drawing.Color, dashed bool) chart.Style {
	s := chart.Style{
		StrokeColor: col,
		StrokeWidth: 2,
		DotColor:    col,
		DotWidth:    4,
	}
	if dashed {
		s.StrokeDashArray = []float64{5, 3}
		s.StrokeWidth = 1.5
		s.DotWidth = 2.5
	}
	return s
}

// segments splits a series at absent values. A lone point is drawn as a
// zero-length line so that its dot still shows.
func segments(values []*int, style chart.Style) []chart.Series {
	var (
		out    []chart.Series
		xs, ys []float64
	)
	flush := func() {
		if len(xs) == 0 {
			return
		}
		if len(xs) == 1 {
			xs = append(xs, xs[0])
			ys = append(ys, ys[0])
		}
		out = append(out, chart.ContinuousSeries{Style: style, XValues: xs, YValues: ys})
		xs, ys = nil, nil
	}
	for i, v := range values {
		if v == nil {
			flush()
			continue
		}
		xs = append(xs, float64(i+1))
		ys = append(ys, float64(*v))
	}
	flush()
	return out
}

func xTicks(labels []string) []chart.Tick {
	step := 1
	if len(labels) > maxXTicks {
		step = (len(labels) + maxXTicks - 1) / maxXTicks
	}
	ticks := make([]chart.Tick, 0, len(labels)/step+1)
	for i := 0; i < len(labels); i += step {
		ticks = append(ticks, chart.Tick{Value: float64(i + 1), Label: labels[i]})
	}
	return ticks
}

func yTicks(lo, hi, step int) []chart.Tick {
	if step <= 0 {
		step = 1
	}
	var ticks []chart.Tick
	for v := lo; v <= hi; v += step {
		ticks = append(ticks, chart.Tick{Value: float64(v), Label: strconv.Itoa(v)})
	}
	return ticks
}
