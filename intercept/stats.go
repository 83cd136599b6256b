package intercept

import (
	"encoding/binary"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
)

const (
	statsCallSpace    = 8  // call start, unix nanos
	statsContextSpace = 16 // calls in the current frame, frames completed
)

type functionStats struct {
	calls   uint64
	totalNs int64
	maxNs   int64
}

type contextStats struct {
	calls         uint64
	frames        uint64
	maxFrameCalls uint64
}

type statsCollector struct {
	d         *Dispatcher
	config    *Config
	mu        sync.Mutex
	started   time.Time
	functions map[FunctionID]*functionStats
	contexts  map[string]*contextStats
}

func registerStats(d *Dispatcher, config *Config) error {
	s := &statsCollector{
		d:         d,
		config:    config,
		functions: make(map[FunctionID]*functionStats),
		contexts:  make(map[string]*contextStats),
	}
	d.stats = s
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name:              StatsFilterSet,
		Help:              "counts calls and time per function and frames per context",
		CallStateSpace:    statsCallSpace,
		ContextStateSpace: statsContextSpace,
		Init: func(fs *FilterSet) error {
			s.started = time.Now()
			return nil
		},
		Done: func(fs *FilterSet) {
			if err := s.Report().WriteFiles(s.config.StatsJsonFile, s.config.StatsChartFile); err != nil {
				log.Printf("%s%v", ErrorLogPrefix, err)
			}
		},
		Command: func(fs *FilterSet, name, value string) error {
			switch name {
			case "json":
				s.config.StatsJsonFile = value
			case "chart":
				s.config.StatsChartFile = value
			default:
				return ErrUnknownCommand
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	if _, err = r.RegisterFilter(fs, "stats_begin", s.begin); err != nil {
		return err
	} else if _, err = r.RegisterFilter(fs, "stats_end", s.end); err != nil {
		return err
	}
	r.RegisterFilterDependency("stats_begin", InvokeFilterSet)
	r.RegisterFilterDependency(InvokeFilterSet, "stats_end")
	return nil
}

func (s *statsCollector) begin(call *Call, data CallbackData) Outcome {
	if data.CallState != nil {
		binary.LittleEndian.PutUint64(data.CallState, uint64(time.Now().UnixNano()))
	}
	return Continue
}

func (s *statsCollector) end(call *Call, data CallbackData) Outcome {
	var elapsed int64
	if data.CallState != nil {
		if start := int64(binary.LittleEndian.Uint64(data.CallState)); start != 0 {
			elapsed = time.Now().UnixNano() - start
		}
	}
	f, _ := s.d.Functions().Function(call.Function)
	frameEnd := f != nil && f.Kind == KindFrameBoundary

	s.mu.Lock()
	defer s.mu.Unlock()
	fst, ok := s.functions[call.Function]
	if !ok {
		fst = &functionStats{}
		s.functions[call.Function] = fst
	}
	fst.calls++
	fst.totalNs += elapsed
	fst.maxNs = max(fst.maxNs, elapsed)

	tc := CallContext(call)
	if tc == nil || data.ContextState == nil {
		return Continue
	}
	cst, ok := s.contexts[tc.Name()]
	if !ok {
		cst = &contextStats{}
		s.contexts[tc.Name()] = cst
	}
	cst.calls++
	frameCalls := binary.LittleEndian.Uint64(data.ContextState[:8]) + 1
	if frameEnd {
		frames := binary.LittleEndian.Uint64(data.ContextState[8:]) + 1
		binary.LittleEndian.PutUint64(data.ContextState[8:], frames)
		cst.frames = frames
		cst.maxFrameCalls = max(cst.maxFrameCalls, frameCalls)
		frameCalls = 0
	}
	binary.LittleEndian.PutUint64(data.ContextState[:8], frameCalls)
	return Continue
}

// Report snapshots the collected statistics.
func (s *statsCollector) Report() StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := StatsReport{
		GeneratedAt: time.Now(),
		DurationMs:  time.Since(s.started).Milliseconds(),
	}
	for id, fst := range s.functions {
		fr := FunctionReport{
			Name:    s.d.Functions().FunctionName(id),
			Calls:   fst.calls,
			TotalNs: fst.totalNs,
			MaxNs:   fst.maxNs,
		}
		if fst.calls > 0 {
			fr.MeanNs = fst.totalNs / int64(fst.calls)
		}
		report.Functions = append(report.Functions, fr)
		report.TotalCalls += fst.calls
	}
	slices.SortFunc(report.Functions, func(a, b FunctionReport) int {
		if a.Calls != b.Calls {
			if a.Calls > b.Calls {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	for _, name := range slices.Sorted(slices.Values(bulk.MapKeysSlice(s.contexts))) {
		cst := s.contexts[name]
		report.Contexts = append(report.Contexts, ContextReport{
			Name:          name,
			Calls:         cst.calls,
			Frames:        cst.frames,
			MaxFrameCalls: cst.maxFrameCalls,
		})
	}
	return report
}

// StatsReport returns the statistics collected by the stats filter-set so far.
func (d *Dispatcher) StatsReport() (StatsReport, bool) {
	if d.stats == nil {
		return StatsReport{}, false
	}
	return d.stats.Report(), true
}
