package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/common/expfmt"
)

// WriteTextfile dumps the registry in text format for the node-exporter
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create textfile directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".warden-*.prom")
	if err != nil {
		return fmt.Errorf("create textfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	encoder := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Summary collects the results of one supervisor run.
type Summary struct {
	RunID string

	mu      sync.Mutex
	results []*Result
}

func NewSummary(runID string) *Summary {
	return &Summary{RunID: runID}
}

// Add appends a finished attempt.
func (s *Summary) Add(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// Results returns a copy of the recorded attempts in launch order.
func (s *Summary) Results() []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Result, len(s.results))
	copy(out, s.results)
	return out
}

// Render prints the attempts as a table.
func (s *Summary) Render(w io.Writer) error {
	results := s.Results()
	if len(results) == 0 {
		_, err := fmt.Fprintf(w, "run %s: no attempts\n", s.RunID)
		return err
	}

	fmt.Fprintf(w, "run %s: %d attempt(s)\n", s.RunID, len(results))
	table := tablewriter.NewWriter(w)
	table.Header("Attempt", "PID", "Exit", "Reason", "Class", "Runtime", "Action")
	for _, r := range results {
		action := string(r.Action)
		if r.Package != "" {
			action = fmt.Sprintf("%s (%s)", action, r.Package)
		}
		table.Append(
			fmt.Sprintf("%d", r.Attempt),
			fmt.Sprintf("%d", r.PID),
			fmt.Sprintf("%d", r.ExitCode),
			r.Reason,
			r.Class,
			r.Duration.Round(time.Millisecond).String(),
			action,
		)
	}
	return table.Render()
}
