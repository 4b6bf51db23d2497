package frame

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Profiler keeps the last CPU duration of named scopes and a few counters.
// Scopes are listed in first-use order.
type Profiler struct {
	last    map[string]time.Duration
	started map[string]time.Time
	counts  map[string]int
	order   []string
}

func NewProfiler() *Profiler {
	return &Profiler{
		last:    make(map[string]time.Duration),
		started: make(map[string]time.Time),
		counts:  make(map[string]int),
	}
}

func (p *Profiler) Begin(name string) {
	if _, seen := p.last[name]; !seen {
		p.order = append(p.order, name)
		p.last[name] = 0
	}
	p.started[name] = time.Now()
}

func (p *Profiler) End(name string) time.Duration {
	start, ok := p.started[name]
	if !ok {
		return 0
	}
	d := time.Since(start)
	p.last[name] = d
	delete(p.started, name)
	return d
}

func (p *Profiler) Scope(name string) time.Duration { return p.last[name] }

func (p *Profiler) SetCount(name string, n int) { p.counts[name] = n }

// Scopes returns scope names in first-use order.
func (p *Profiler) Scopes() []string { return slices.Clone(p.order) }

func (p *Profiler) String() string {
	var sb strings.Builder
	sb.WriteString("cpu:\n")
	for _, name := range p.order {
		fmt.Fprintf(&sb, "  %-12s %7.3f ms\n", name, float64(p.last[name].Microseconds())/1000)
	}
	if len(p.counts) == 0 {
		return sb.String()
	}
	keys := make([]string, 0, len(p.counts))
	for k := range p.counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	sb.WriteString("counts:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %-12s %d\n", k, p.counts[k])
	}
	return sb.String()
}
