package intercept

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/charts"
)

const tableMaxFunctions = 12

var hotTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)
var warmTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)

// StatsReport is the summary written by the stats filter-set.
type StatsReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	DurationMs  int64            `json:"run_ms"`
	TotalCalls  uint64           `json:"total_calls"`
	Functions   []FunctionReport `json:"functions"`
	Contexts    []ContextReport  `json:"contexts"`
}

// FunctionReport is the per function call count and timing.
type FunctionReport struct {
	Name    string `json:"name"`
	Calls   uint64 `json:"calls"`
	TotalNs int64  `json:"total_ns"`
	MeanNs  int64  `json:"mean_ns"`
	MaxNs   int64  `json:"max_ns"`
}

// ContextReport is the per context call and frame count.
type ContextReport struct {
	Name          string `json:"name"`
	Calls         uint64 `json:"calls"`
	Frames        uint64 `json:"frames"`
	MaxFrameCalls uint64 `json:"max_frame_calls"`
}

// LoadStatsReport reads a report written by WriteFiles.
func LoadStatsReport(path string) (StatsReport, error) {
	var report StatsReport
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("read stats report failed: %w", err)
	} else if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("unmarshal stats report failed: %w", err)
	}
	return report, nil
}

// WriteFiles writes the JSON report and chart image, skipping either when its path is empty.
func (r StatsReport) WriteFiles(jsonPath, chartPath string) error {
	if jsonPath != "" {
		encoded, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal stats report failed: %w", err)
		} else if err := os.WriteFile(jsonPath, encoded, 0644); err != nil {
			return fmt.Errorf("write stats report failed: %w", err)
		}
	}
	if chartPath != "" {
		return r.WriteChart(chartPath)
	}
	return nil
}

// WriteChart renders the report to an image, the format chosen by the file suffix.
func (r StatsReport) WriteChart(path string) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	buf, err := r.RenderChart(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       768,
	})
	if err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderChart draws the call distribution per context and a table of the busiest functions.
func (r StatsReport) RenderChart(painterOpt charts.PainterOptions) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBoxEqual(10)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := strconv.FormatUint(r.TotalCalls, 10) + " calls in " +
		(time.Duration(r.DurationMs) * time.Millisecond).String()
	titleBox := p.MeasureText(title, 0, titleFont)

	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBox.Height())).
		Row().Height("160").Columns("contexts").
		Row().Columns("functions").
		Build()
	if err != nil {
		return nil, fmt.Errorf("error building chart layout: %w", err)
	}

	if len(r.Contexts) > 0 {
		if err := r.renderContexts(painters["contexts"]); err != nil {
			return nil, err
		}
	}
	if err := r.renderFunctions(painters["functions"]); err != nil {
		return nil, err
	}
	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return p.Bytes()
}

func (r StatsReport) renderContexts(p *charts.Painter) error {
	// one series for frame-ending calls, one for the rest, stacked per context
	frames := make([]float64, len(r.Contexts))
	other := make([]float64, len(r.Contexts))
	var maxCalls uint64
	for i, c := range r.Contexts {
		frames[i] = float64(c.Frames)
		other[i] = float64(c.Calls - min(c.Frames, c.Calls))
		maxCalls = max(maxCalls, c.Calls)
	}
	opt := charts.NewHorizontalBarChartOptionWithData([][]float64{frames, other})
	opt.StackSeries = charts.Ptr(true)
	opt.Theme = charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{charts.ColorGreenAlt1, {R: 220, G: 210, B: 100, A: 255}})
	opt.Title.Text = "Calls per Context"
	opt.XAxis.Unit = axisUnitForMax(int(maxCalls))
	opt.YAxis.Labels = make([]string, len(r.Contexts))
	for i, c := range r.Contexts {
		opt.YAxis.Labels[i] = c.Name
	}
	opt.SeriesList[1].Label.Show = charts.Ptr(true)
	opt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		return charts.FormatValueHumanize(f, 0, false)
	}
	if err := p.HorizontalBarChart(opt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}
	return nil
}

func (r StatsReport) renderFunctions(p *charts.Painter) error {
	rows := r.Functions
	if len(rows) > tableMaxFunctions {
		rows = rows[:tableMaxFunctions]
	}
	if len(rows) == 0 {
		font := charts.FontStyle{FontSize: 16, FontColor: charts.ColorBlack, Font: charts.GetDefaultFont()}
		text := "No Calls Recorded"
		box := p.MeasureText(text, 0, font)
		p.Text(text, (p.Width()-box.Width())/2, p.Height()/2, 0, font)
		return nil
	}
	var slowest int64
	for _, f := range rows {
		slowest = max(slowest, f.MeanNs)
	}
	data := make([][]string, len(rows))
	for i, f := range rows {
		data[i] = []string{
			f.Name,
			strconv.FormatUint(f.Calls, 10),
			time.Duration(f.MeanNs).String(),
			time.Duration(f.MaxNs).String(),
		}
	}

	rowColors := []charts.Color{{R: 240, G: 240, B: 240, A: 255}, charts.ColorTransparent}
	cellFont := charts.FontStyle{
		FontSize:  12,
		FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
		Font:      charts.GetDefaultFont(),
	}
	opt := charts.TableChartOption{
		Header:                []string{"Function", "Calls", "Mean", "Max"},
		Data:                  data,
		HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
		RowBackgroundColors:   rowColors,
		Padding:               charts.NewBoxEqual(10),
		Spans:                 []int{24, 8, 8, 8},
		TextAligns:            []string{charts.AlignLeft, charts.AlignRight, charts.AlignRight, charts.AlignRight},
		CellModifier: func(cell charts.TableCell) charts.TableCell {
			if cell.Row == 0 {
				return cell
			}
			cell.FontStyle = cellFont
			if cell.Column == 2 && cell.Row-1 < len(rows) {
				if mean := rows[cell.Row-1].MeanNs; mean == slowest && slowest > 0 {
					cell.FontStyle.FontColor = hotTextColor
				} else if mean*2 > slowest {
					cell.FontStyle.FontColor = warmTextColor
				}
			}
			return cell
		},
	}
	if err := p.TableChart(opt); err != nil {
		return fmt.Errorf("error rendering table: %w", err)
	}
	return nil
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	}
	return 1
}
