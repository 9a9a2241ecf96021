package quant

import (
	"sort"
	"sync"

	"github.com/born-ml/espdl/internal/tensor"
)

// Stats is the observed range of one tensor.
type Stats struct {
	Min, Max, AbsMax float32
	Count            int // tensors observed
}

// Observer accumulates min/max statistics per tensor. It is safe for
// concurrent use.
type Observer struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

// NewObserver returns an empty observer.
func NewObserver() *Observer {
	return &Observer{stats: make(map[string]*Stats)}
}

// Observe folds t into the statistics of name.
func (o *Observer) Observe(name string, t *tensor.Tensor) {
	if t == nil || len(t.Data) == 0 {
		return
	}
	lo, hi, absMax := t.Range()

	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[name]
	if !ok {
		o.stats[name] = &Stats{Min: lo, Max: hi, AbsMax: absMax, Count: 1}
		return
	}
	s.Min = min(s.Min, lo)
	s.Max = max(s.Max, hi)
	s.AbsMax = max(s.AbsMax, absMax)
	s.Count++
}

// Stats returns a copy of the statistics of name.
func (o *Observer) Stats(name string) (Stats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Names returns the observed tensor names, sorted.
func (o *Observer) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.stats))
	for n := range o.stats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of observed tensors.
func (o *Observer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.stats)
}
