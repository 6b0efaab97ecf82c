package report

import "sync"

// CrashSample is the compact form of a failed attempt kept for /status.
type CrashSample struct {
	Attempt  int     `json:"attempt"`
	PID      int     `json:"pid"`
	ExitCode int     `json:"exit_code"`
	Reason   string  `json:"exit_reason"`
	Class    string  `json:"class"`
	Runtime  float64 `json:"runtime_seconds"`
	Action   Action  `json:"action"`
	Package  string  `json:"package,omitempty"`
}

// CrashLog is a ring buffer of the last N failed attempts.
type CrashLog struct {
	mu      sync.RWMutex
	samples []CrashSample
	maxSize int
}

func NewCrashLog(maxSize int) *CrashLog {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &CrashLog{samples: make([]CrashSample, 0, maxSize), maxSize: maxSize}
}

// Record keeps r if it was a failure. Graceful exits are ignored.
func (c *CrashLog) Record(r *Result) {
	if r.ExitCode == 0 {
		return
	}
	sample := CrashSample{
		Attempt:  r.Attempt,
		PID:      r.PID,
		ExitCode: r.ExitCode,
		Reason:   r.Reason,
		Class:    r.Class,
		Runtime:  r.Duration.Seconds(),
		Action:   r.Action,
		Package:  r.Package,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) >= c.maxSize {
		c.samples = c.samples[1:]
	}
	c.samples = append(c.samples, sample)
}

// Recent returns up to n samples, newest first. n <= 0 returns all.
func (c *CrashLog) Recent(n int) []CrashSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || n > len(c.samples) {
		n = len(c.samples)
	}
	out := make([]CrashSample, n)
	for i := 0; i < n; i++ {
		out[i] = c.samples[len(c.samples)-1-i]
	}
	return out
}

func (c *CrashLog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}
