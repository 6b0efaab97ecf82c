package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func result(attempt, exit int, class string, action Action) *Result {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResult("run-1", attempt, 1000+attempt, exit, "error", class, start, start.Add(1500*time.Millisecond))
	r.SetAction(action, "")
	return r
}

func TestNewResult(t *testing.T) {
	r := result(2, 1, "generic_crash", ActionRestarted)
	if r.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v", r.Duration)
	}
	if r.Action != ActionRestarted {
		t.Errorf("action = %q", r.Action)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.IncrLaunched()
	if got := testutil.ToFloat64(m.workerUp); got != 1 {
		t.Errorf("worker_up = %v after launch", got)
	}
	m.RecordResult(result(1, 1, "dependency_missing", ActionHealed))
	m.RecordHeal("healed")
	m.IncrLaunched()
	m.RecordResult(result(2, 1, "generic_crash", ActionRestarted))
	m.IncrRollback()
	m.IncrPromotion()
	m.SetCrashRecord(3)
	m.SetCandidateStaged(true)

	checks := map[string]float64{
		"launches":       testutil.ToFloat64(m.launches),
		"worker_up":      testutil.ToFloat64(m.workerUp),
		"exits_dep":      testutil.ToFloat64(m.exits.WithLabelValues("dependency_missing")),
		"exits_generic":  testutil.ToFloat64(m.exits.WithLabelValues("generic_crash")),
		"heals":          testutil.ToFloat64(m.heals.WithLabelValues("healed")),
		"rollbacks":      testutil.ToFloat64(m.rollbacks),
		"promotions":     testutil.ToFloat64(m.promotions),
		"crash_record":   testutil.ToFloat64(m.crashes),
		"candidate_stgd": testutil.ToFloat64(m.staged),
	}
	want := map[string]float64{
		"launches": 2, "worker_up": 0, "exits_dep": 1, "exits_generic": 1,
		"heals": 1, "rollbacks": 1, "promotions": 1, "crash_record": 3, "candidate_stgd": 1,
	}
	for k, v := range want {
		if checks[k] != v {
			t.Errorf("%s = %v, want %v", k, checks[k], v)
		}
	}

	if n := testutil.CollectAndCount(m.runtime); n != 1 {
		t.Errorf("runtime histogram families = %d", n)
	}
}

func TestMetricsArePrivate(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.IncrRollback()
	if testutil.ToFloat64(b.rollbacks) != 0 {
		t.Error("metrics leaked between registries")
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.IncrLaunched()
	m.IncrRollback()

	path := filepath.Join(t.TempDir(), "textfile", "warden.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"warden_launches_total 1", "warden_rollbacks_total 1", "# TYPE warden_worker_runtime_seconds histogram"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q", want)
		}
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestSummaryRender(t *testing.T) {
	s := NewSummary("run-1")

	var empty bytes.Buffer
	if err := s.Render(&empty); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(empty.String(), "no attempts") {
		t.Errorf("empty summary = %q", empty.String())
	}

	healed := result(1, 1, "dependency_missing", ActionHealed)
	healed.SetAction(ActionHealed, "requests")
	s.Add(healed)
	s.Add(result(2, 0, "graceful", ActionStopped))

	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"2 attempt(s)", "healed (requests)", "dependency_missing", "stopped", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if len(s.Results()) != 2 {
		t.Errorf("results = %d", len(s.Results()))
	}
}

func TestCrashLog(t *testing.T) {
	c := NewCrashLog(2)
	c.Record(result(1, 0, "graceful", ActionStopped))
	if c.Count() != 0 {
		t.Fatal("graceful exit recorded")
	}

	for i := 1; i <= 3; i++ {
		c.Record(result(i, 1, "generic_crash", ActionRestarted))
	}
	recent := c.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("ring buffer size = %d", len(recent))
	}
	if recent[0].Attempt != 3 || recent[1].Attempt != 2 {
		t.Errorf("order = %d,%d; want newest first", recent[0].Attempt, recent[1].Attempt)
	}
	if got := c.Recent(1); len(got) != 1 || got[0].Attempt != 3 {
		t.Errorf("Recent(1) = %+v", got)
	}
}
