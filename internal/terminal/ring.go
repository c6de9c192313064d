package terminal

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// outputRing is a bounded, line-oriented view of a PTY's output, capped at
// max_output_lines with oldest-drop eviction (spec.md §3/§4.8). It tracks a
// monotonically increasing total line count so callers can address lines
// by absolute index even after older ones have been evicted.
type outputRing struct {
	mu      sync.Mutex
	max     int
	lines   []string
	base    int // absolute line number of lines[0]
	pending strings.Builder
}

func newOutputRing(max int) *outputRing {
	if max <= 0 {
		max = 10000
	}
	return &outputRing{max: max}
}

// Append feeds raw PTY bytes, splitting completed lines into the ring and
// carrying any trailing partial line forward to the next Append.
func (r *outputRing) Append(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Write(p)
	buf := r.pending.String()
	parts := strings.Split(buf, "\n")
	for _, line := range parts[:len(parts)-1] {
		r.push(strings.TrimSuffix(line, "\r"))
	}
	r.pending.Reset()
	r.pending.WriteString(parts[len(parts)-1])
}

func (r *outputRing) push(line string) {
	if len(r.lines) >= r.max {
		r.lines = r.lines[1:]
		r.base++
	}
	r.lines = append(r.lines, line)
}

// Total returns the absolute count of lines ever appended (including the
// open partial line), used for unread-output detection.
func (r *outputRing) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.base + len(r.lines)
	if r.pending.Len() > 0 {
		total++
	}
	return total
}

// Dump returns the entire retained transcript (subject to the ring's own
// oldest-drop eviction) joined into one byte slice, for persisting a
// session's output at Close.
func (r *outputRing) Dump() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.lines
	if r.pending.Len() > 0 {
		all = append(append([]string{}, all...), r.pending.String())
	}
	return []byte(strings.Join(all, "\n"))
}

// Slice returns up to count lines starting at the absolute line number
// start, and the absolute index one past the last line returned.
func (r *outputRing) Slice(start, count int, includeANSI bool) (lines []string, nextOffset int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.lines
	if r.pending.Len() > 0 {
		all = append(append([]string{}, all...), r.pending.String())
	}
	rel := start - r.base
	if rel < 0 {
		rel = 0
	}
	if rel >= len(all) {
		return nil, start
	}
	end := rel + count
	if count <= 0 || end > len(all) {
		end = len(all)
	}
	out := make([]string, end-rel)
	copy(out, all[rel:end])
	if !includeANSI {
		for i, l := range out {
			out[i] = ansi.Strip(l)
		}
	}
	return out, r.base + end
}
