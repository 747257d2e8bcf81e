package neural

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	name       string
	canExec    bool
	reply      string
	err        error
	stats      BackendStats
	invokeCall int
}

func (f *fakeBackend) Name() string      { return f.name }
func (f *fakeBackend) CanExecute() bool  { return f.canExec }
func (f *fakeBackend) Stats() BackendStats {
	f.stats.Name = f.name
	return f.stats
}
func (f *fakeBackend) Invoke(_ context.Context, _ Request) (string, error) {
	f.invokeCall++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestDispatcher(backends map[string]Backend) *Dispatcher {
	d := &Dispatcher{
		classifier: NewClassifier(DefaultClassifierOptions()),
		reflex:     NewReflexBackend(),
		backends:   backends,
		opts:       DefaultDispatcherOptions(),
		logger:     discardLogger(),
	}
	return d
}

func TestProcessPingAlwaysUsesReflex(t *testing.T) {
	d := newTestDispatcher(map[string]Backend{"reflex": NewReflexBackend()})
	reply, ok := d.Process(context.Background(), "hello", "")
	if !ok || reply == "" {
		t.Fatalf("Process(ping) = (%q, %v), want non-empty reply and true", reply, ok)
	}
}

func TestProcessPrefersHighestUCBScore(t *testing.T) {
	good := &fakeBackend{name: "good", canExec: true, reply: "great answer", stats: BackendStats{Trials: 10, CumulativeReward: 9}}
	bad := &fakeBackend{name: "bad", canExec: true, reply: "meh", stats: BackendStats{Trials: 10, CumulativeReward: 1}}
	d := newTestDispatcher(map[string]Backend{"good": good, "bad": bad})
	d.globalTrialCount = 20

	reply, ok := d.Process(context.Background(), "tell me something interesting", "")
	if !ok {
		t.Fatal("expected a successful dispatch")
	}
	if reply != "great answer" {
		t.Errorf("reply = %q, want the higher-scoring backend's reply", reply)
	}
	if good.invokeCall != 1 {
		t.Errorf("good.invokeCall = %d, want 1", good.invokeCall)
	}
	if bad.invokeCall != 0 {
		t.Errorf("bad.invokeCall = %d, want 0", bad.invokeCall)
	}
}

func TestProcessSkipsUnavailableBackend(t *testing.T) {
	down := &fakeBackend{name: "down", canExec: false, stats: BackendStats{Trials: 10, CumulativeReward: 10}}
	up := &fakeBackend{name: "up", canExec: true, reply: "still here", stats: BackendStats{Trials: 10, CumulativeReward: 1}}
	d := newTestDispatcher(map[string]Backend{"down": down, "up": up})
	d.globalTrialCount = 20

	reply, ok := d.Process(context.Background(), "anything", "")
	if !ok || reply != "still here" {
		t.Errorf("Process() = (%q, %v), want the only available backend's reply", reply, ok)
	}
}

func TestProcessFallsBackWhenAllBackendsFail(t *testing.T) {
	failing := &fakeBackend{name: "failing", canExec: true, err: errors.New("boom")}
	d := newTestDispatcher(map[string]Backend{"failing": failing})

	reply, ok := d.Process(context.Background(), "anything at all that needs a real answer", "")
	if ok {
		t.Error("expected ok=false on total backend failure")
	}
	if reply == "" {
		t.Error("expected a non-empty templated fallback reply")
	}
}

func TestProcessReturnsFallbackWhenNoBackendAvailable(t *testing.T) {
	down := &fakeBackend{name: "down", canExec: false}
	d := newTestDispatcher(map[string]Backend{"down": down})

	reply, ok := d.Process(context.Background(), "anything at all that needs a real answer", "")
	if ok {
		t.Error("expected ok=false when no backend can execute")
	}
	if reply == "" {
		t.Error("expected a non-empty fallback reply")
	}
}

func TestUCBForcesExplorationUnderMinTrials(t *testing.T) {
	fresh := &fakeBackend{name: "fresh", canExec: true, stats: BackendStats{Trials: 0}}
	seasoned := &fakeBackend{name: "seasoned", canExec: true, stats: BackendStats{Trials: 50, CumulativeReward: 45}}
	d := newTestDispatcher(map[string]Backend{"fresh": fresh, "seasoned": seasoned})
	d.globalTrialCount = 100

	scores := d.ucbScores()
	if !isPositiveInf(scores["fresh"]) {
		t.Errorf("scores[fresh] = %v, want +Inf to force exploration", scores["fresh"])
	}
}

func TestArchiveBoundsHistorySize(t *testing.T) {
	d := newTestDispatcher(map[string]Backend{"reflex": NewReflexBackend()})
	d.opts.MaxCorrelationHistory = 3
	for i := 0; i < 10; i++ {
		d.archive(CorrelationRecord{CorrelationID: string(rune('a' + i))})
	}
	if len(d.History()) != 3 {
		t.Errorf("History() length = %d, want 3", len(d.History()))
	}
}

func isPositiveInf(f float64) bool {
	return f > 1e300
}
