package transport

import (
	"io"
	"math"
	"sync"
)

// progress turns byte counts into whole percentages. Values are emitted in
// increasing order only; 100 is reserved for a successful response and
// nothing is emitted once the upload has resolved.
type progress struct {
	mu    sync.Mutex
	total int64
	sent  int64
	last  int
	done  bool
	fn    func(int)
}

func newProgress(total int64, fn func(int)) *progress {
	return &progress{total: total, fn: fn}
}

func (p *progress) add(n int) {
	if p.fn == nil || n <= 0 || p.total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.sent += int64(n)
	pct := int(math.Round(float64(p.sent) / float64(p.total) * 100))
	if pct > 99 {
		pct = 99
	}
	if pct > p.last {
		p.last = pct
		p.fn(pct)
	}
}

// resolve ends reporting; a successful upload of known size reports 100.
func (p *progress) resolve(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	if ok && p.fn != nil && p.total >= 0 {
		p.last = 100
		p.fn(100)
	}
}

type progressReader struct {
	r io.Reader
	p *progress
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	pr.p.add(n)
	return n, err
}
