package neural

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CorrelationRecord traces one Process call end to end, for analytics and
// debugging. Records are archived into a bounded ring once the request
// completes.
type CorrelationRecord struct {
	CorrelationID string
	Prompt        string
	Context       string
	Class         Class
	Backend       string
	Success       bool
	Response      string
	Latency       time.Duration
	StartTime     time.Time
}

// DispatcherOptions tunes the UCB1 bandit and correlation history.
type DispatcherOptions struct {
	// ExplorationFactor is c in UCB = r̄ᵢ + c·√(ln(N)/(nᵢ+1)).
	ExplorationFactor float64
	// MinTrialsPerBackend forces exploration (+∞ score) below this count.
	MinTrialsPerBackend int64
	// MaxCorrelationHistory bounds the archived-record ring.
	MaxCorrelationHistory int
}

// DefaultDispatcherOptions returns the production tuning values.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		ExplorationFactor:     1.4,
		MinTrialsPerBackend:   3,
		MaxCorrelationHistory: 100,
	}
}

// Dispatcher classifies an incoming prompt and routes it to the backend
// with the best UCB1 score, falling back to a templated reply when no
// backend can execute or the selected backend fails. Only the selected
// backend is tried; a failure is not retried on another backend.
type Dispatcher struct {
	classifier *Classifier
	reflex     *ReflexBackend
	backends   map[string]Backend
	opts       DispatcherOptions
	logger     *slog.Logger
	metrics    *Metrics

	mu                sync.Mutex
	globalTrialCount  int64
	history           []CorrelationRecord
	totalRequests     int64
	successfulCount   int64
}

// NewDispatcher wires a classifier and the full backend set (reflex plus
// whichever of local/cloud are configured) into a Dispatcher.
func NewDispatcher(classifier *Classifier, reflex *ReflexBackend, local *LocalBackend, cloud *CloudBackend, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.ExplorationFactor <= 0 {
		opts.ExplorationFactor = 1.4
	}
	if opts.MinTrialsPerBackend <= 0 {
		opts.MinTrialsPerBackend = 3
	}
	if opts.MaxCorrelationHistory <= 0 {
		opts.MaxCorrelationHistory = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	backends := map[string]Backend{"reflex": reflex}
	if local != nil {
		backends["local"] = local
	}
	if cloud != nil {
		backends["cloud"] = cloud
	}

	return &Dispatcher{
		classifier: classifier,
		reflex:     reflex,
		backends:   backends,
		opts:       opts,
		logger:     logger.With("component", "dispatcher"),
	}
}

// SetMetrics attaches a Prometheus metrics sink. Optional; a nil sink
// (the default) records nothing.
func (d *Dispatcher) SetMetrics(m *Metrics) {
	d.metrics = m
}

// Process classifies prompt/context, selects a backend via UCB1, and
// returns its reply. The bool return reports whether the reply came from
// a real backend (true) or the templated fallback (false).
func (d *Dispatcher) Process(ctx context.Context, prompt, reqContext string) (string, bool) {
	correlationID := newCorrelationID()
	classification := d.classifier.Classify(prompt, reqContext)

	record := CorrelationRecord{
		CorrelationID: correlationID,
		Prompt:        truncateForLog(prompt, 100),
		Context:       reqContext,
		Class:         classification.Class,
		StartTime:     time.Now(),
	}

	d.logger.Info("stimulus classified",
		"correlation_id", correlationID,
		"class", classification.Class,
		"confidence", classification.Confidence,
	)
	if d.metrics != nil {
		d.metrics.RecordRequest(classification.Class)
		d.metrics.RecordClassification(classification.Class, classification.Entropy)
	}

	name, backend := d.selectBackend(classification.Class)
	if backend == nil {
		record.Success = false
		d.archive(record)
		d.logger.Warn("no backend available", "correlation_id", correlationID)
		if d.metrics != nil {
			d.metrics.RecordFallback()
		}
		return fallbackReply(classification.Class), false
	}
	record.Backend = name

	d.mu.Lock()
	d.globalTrialCount++
	d.totalRequests++
	d.mu.Unlock()

	req := Request{
		Prompt:        prompt,
		Context:       reqContext,
		Class:         classification.Class,
		CorrelationID: correlationID,
	}

	start := time.Now()
	reply, err := backend.Invoke(ctx, req)
	latency := time.Since(start)
	record.Latency = latency

	if err != nil {
		record.Success = false
		d.archive(record)
		d.logger.Warn("backend failed", "correlation_id", correlationID, "backend", name, "error", err)
		if d.metrics != nil {
			d.metrics.RecordFailure(name, classification.Class)
			d.metrics.RecordFallback()
		}
		return fallbackReply(classification.Class), false
	}

	record.Success = true
	record.Response = truncateForLog(reply, 100)
	d.archive(record)

	d.mu.Lock()
	d.successfulCount++
	d.mu.Unlock()

	d.logger.Info("dispatch success",
		"correlation_id", correlationID,
		"backend", name,
		"latency", latency,
	)
	if d.metrics != nil {
		d.metrics.RecordSuccess(name, classification.Class, latency)
		d.syncBackendGauges()
	}
	return reply, true
}

// syncBackendGauges refreshes the per-backend reward/circuit/UCB gauges
// from current snapshots.
func (d *Dispatcher) syncBackendGauges() {
	scores := d.ucbScores()
	for name, backend := range d.backends {
		d.metrics.UpdateBackendState(name, backend.Stats(), scores[name])
	}
}

// selectBackend always routes ping to reflex (templates beat an LLM call
// for a trivial acknowledgment), otherwise picks the highest UCB1 score
// among backends that currently CanExecute.
func (d *Dispatcher) selectBackend(class Class) (string, Backend) {
	if class == ClassPing {
		return "reflex", d.reflex
	}

	scores := d.ucbScores()

	bestName := ""
	bestScore := math.Inf(-1)
	for name, score := range scores {
		if score > bestScore {
			bestScore = score
			bestName = name
		}
	}
	if bestName == "" || math.IsInf(bestScore, -1) {
		return "", nil
	}
	return bestName, d.backends[bestName]
}

// ucbScores computes UCB1 = r̄ᵢ + c·√(ln(N)/(nᵢ+1)) for every backend,
// forcing exploration (+∞) under the minimum trial count and excluding
// (−∞) any backend that cannot currently execute.
func (d *Dispatcher) ucbScores() map[string]float64 {
	d.mu.Lock()
	globalTrials := d.globalTrialCount
	d.mu.Unlock()

	scores := make(map[string]float64, len(d.backends))
	for name, backend := range d.backends {
		if !backend.CanExecute() {
			scores[name] = math.Inf(-1)
			continue
		}

		stats := backend.Stats()
		if stats.Trials < d.opts.MinTrialsPerBackend || globalTrials == 0 {
			scores[name] = math.Inf(1)
			continue
		}

		exploration := d.opts.ExplorationFactor * math.Sqrt(math.Log(float64(globalTrials))/float64(stats.Trials+1))
		scores[name] = stats.AverageReward() + exploration
	}
	return scores
}

func (d *Dispatcher) archive(record CorrelationRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, record)
	if len(d.history) > d.opts.MaxCorrelationHistory {
		d.history = d.history[len(d.history)-d.opts.MaxCorrelationHistory:]
	}
}

// History returns a copy of the archived correlation records, oldest first.
func (d *Dispatcher) History() []CorrelationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CorrelationRecord, len(d.history))
	copy(out, d.history)
	return out
}

// Stats returns the dispatcher's global trial/success counters.
func (d *Dispatcher) Stats() (totalRequests, successful int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalRequests, d.successfulCount
}

func newCorrelationID() string {
	return uuid.NewString()[:8]
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
