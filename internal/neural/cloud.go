package neural

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nova-stream/neurobot/internal/httpkit"
)

const cloudEndpoint = "https://api.openai.com/v1/chat/completions"

// Provider selects which LLM tier is eligible to execute.
type Provider string

const (
	ProviderAuto  Provider = "auto"
	ProviderLocal Provider = "local"
	ProviderCloud Provider = "cloud"
)

// CloudBackend talks to an OpenAI-compatible cloud endpoint. It is the
// expensive, high-quality tier: bearer auth, 429/402 handling with a
// sticky quota-exhausted flag, and a jittered exponential backoff applied
// as a pre-request sleep rather than a retry loop.
type CloudBackend struct {
	apiKey   string
	model    string
	provider Provider

	botName string

	httpClient *http.Client
	logger     *slog.Logger

	failureThreshold int
	recoveryTime     time.Duration
	emaAlpha         float64

	baseBackoff float64
	maxBackoff  float64

	mu                  sync.Mutex
	circuit             CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	emaSuccessRate      float64
	emaLatency          time.Duration
	trials              int64
	successes           int64
	totalReward         float64
	currentBackoff      float64
	rateLimitedUntil    time.Time
	quotaExhausted      bool
}

// CloudBackendConfig configures a CloudBackend.
type CloudBackendConfig struct {
	APIKey           string
	Model            string
	Provider         Provider
	BotName          string
	FailureThreshold int
	RecoveryTime     time.Duration
	EMAAlpha         float64
}

// NewCloudBackend constructs a CloudBackend, applying tuned defaults
// and computing enablement from the provider tri-state.
func NewCloudBackend(cfg CloudBackendConfig, logger *slog.Logger) *CloudBackend {
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	if cfg.BotName == "" {
		cfg.BotName = "neurobot"
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderAuto
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 600 * time.Second
	}
	if cfg.EMAAlpha <= 0 {
		cfg.EMAAlpha = 0.2
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 30 * time.Second

	c := &CloudBackend{
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		provider:         cfg.Provider,
		botName:          cfg.BotName,
		failureThreshold: cfg.FailureThreshold,
		recoveryTime:     cfg.RecoveryTime,
		emaAlpha:         cfg.EMAAlpha,
		emaSuccessRate:   0.5,
		emaLatency:       2 * time.Second,
		baseBackoff:      1.0,
		maxBackoff:       60.0,
		logger:           logger.With("backend", "cloud"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(35*time.Second),
			httpkit.WithTransport(t),
			httpkit.WithLogger(logger),
		),
	}
	c.currentBackoff = c.baseBackoff

	if !c.enabled() {
		c.circuit = CircuitOpen
	}
	return c
}

// enabled derives activation from the provider tri-state: forced cloud
// requires a plausible key, forced local always disables, auto enables
// whenever a plausible key is present.
func (c *CloudBackend) enabled() bool {
	hasKey := len(c.apiKey) > 10
	switch c.provider {
	case ProviderLocal:
		return false
	case ProviderCloud, ProviderAuto:
		return hasKey
	default:
		return hasKey
	}
}

// Name identifies this backend.
func (c *CloudBackend) Name() string { return "cloud" }

// CanExecute reports whether the circuit and rate/quota state permit a
// request.
func (c *CloudBackend) CanExecute() bool {
	if !c.enabled() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Before(c.rateLimitedUntil) || c.quotaExhausted {
		return false
	}

	switch c.circuit {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.lastFailure) > c.recoveryTime {
			c.circuit = CircuitHalfOpen
			c.logger.Info("circuit breaker: open -> half-open")
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// ResetQuota clears the sticky quota-exhausted flag, for operator
// intervention once billing is restored.
func (c *CloudBackend) ResetQuota() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotaExhausted = false
}

type cloudMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cloudRequestBody struct {
	Model       string         `json:"model"`
	Messages    []cloudMessage `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
}

type cloudResponseBody struct {
	Choices []struct {
		Message cloudMessage `json:"message"`
	} `json:"choices"`
}

// Invoke produces a reply for req, sleeping for the current backoff
// window (with jitter) before any request once a prior failure has
// raised it.
func (c *CloudBackend) Invoke(ctx context.Context, req Request) (string, error) {
	if !c.enabled() {
		return "", fmt.Errorf("cloud: disabled")
	}
	if !c.CanExecute() {
		return "", fmt.Errorf("cloud: not eligible (circuit/rate-limit/quota)")
	}

	c.preRequestBackoffSleep(ctx)

	messages := c.buildMessages(req)
	maxTokens, temperature := c.requestParams(req)

	start := time.Now()
	reply, status, retryAfter, errBody, err := c.post(ctx, messages, maxTokens, temperature)
	if err != nil {
		c.recordFailure(err.Error())
		return "", err
	}

	switch status {
	case http.StatusTooManyRequests:
		c.handleRateLimit(retryAfter)
		return "", fmt.Errorf("cloud: rate limited")
	case http.StatusPaymentRequired:
		c.handleQuotaExhaustion()
		return "", fmt.Errorf("cloud: quota exhausted")
	}
	if status != http.StatusOK {
		c.recordFailure(fmt.Sprintf("HTTP %d: %s", status, errBody))
		return "", fmt.Errorf("cloud: HTTP %d: %s", status, errBody)
	}

	cleaned := strings.TrimSpace(reply)
	if !isValidCloudResponse(cleaned) {
		c.recordFailure("invalid response")
		return "", fmt.Errorf("cloud: invalid response")
	}

	latency := time.Since(start)
	reward := cloudReward(cleaned, latency)
	c.recordSuccess(latency, reward)
	c.resetBackoff()

	c.logger.Info("cloud backend success",
		"correlation_id", req.CorrelationID,
		"latency", latency,
		"reward", reward,
	)
	return cleaned, nil
}

func (c *CloudBackend) buildMessages(req Request) []cloudMessage {
	var systemPrompt string
	if req.Context == "ask" {
		systemPrompt = fmt.Sprintf(
			"Tu es %s, assistant gaming Twitch expert. Réponds de manière factuelle et précise. Max 140 caractères.",
			c.botName,
		)
	} else {
		systemPrompt = fmt.Sprintf(
			"Tu es %s, bot gaming Twitch amical. Réponds avec enthousiasme. Max 100 caractères.",
			c.botName,
		)
	}
	return []cloudMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: req.Prompt},
	}
}

func (c *CloudBackend) requestParams(req Request) (maxTokens int, temperature float64) {
	if req.Context == "ask" {
		return 90, 0.4
	}
	return 60, 0.8
}

func (c *CloudBackend) preRequestBackoffSleep(ctx context.Context) {
	c.mu.Lock()
	wait := 0.0
	if c.currentBackoff > c.baseBackoff {
		jitter := 0.8 + rand.Float64()*0.4
		wait = c.currentBackoff * jitter
	}
	c.mu.Unlock()

	if wait <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(wait * float64(time.Second))):
	case <-ctx.Done():
	}
}

func (c *CloudBackend) post(ctx context.Context, messages []cloudMessage, maxTokens int, temperature float64) (reply string, status int, retryAfter string, errBody string, err error) {
	body := cloudRequestBody{Model: c.model, Messages: messages, MaxTokens: maxTokens, Temperature: temperature}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, "", "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cloudEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, "", "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, "", "", fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, resp.Header.Get("Retry-After"), httpkit.ReadErrorBody(resp.Body, 4096), nil
	}

	var wire cloudResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", 0, "", "", fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return "", 0, "", "", fmt.Errorf("cloud: empty choices")
	}
	return wire.Choices[0].Message.Content, http.StatusOK, "", "", nil
}

var bannedCloudReplies = map[string]bool{
	"yes": true, "no": true, "ok": true, "oui": true, "non": true,
}

func isValidCloudResponse(response string) bool {
	if len(response) < 3 {
		return false
	}
	return !bannedCloudReplies[strings.ToLower(response)]
}

// cloudReward shapes reward from response quality and latency against a
// 2s target — cloud is expected to be slower but higher quality.
func cloudReward(response string, latency time.Duration) float64 {
	const targetLatency = 2.0
	base := 1.0
	latencyPenalty := latency.Seconds() / targetLatency
	if latencyPenalty > 1.0 {
		latencyPenalty = 1.0
	}
	latencyPenalty *= 0.2

	quality := 0.0
	if len(response) > 30 {
		quality += 0.15
	}
	if strings.ContainsAny(response, ".!?") {
		quality += 0.05
	}
	for _, e := range []string{"😎", "🔥", "💡", "🎯", "⚡"} {
		if strings.Contains(response, e) {
			quality += 0.1
			break
		}
	}

	reward := base - latencyPenalty + quality
	if reward < 0.1 {
		reward = 0.1
	}
	return reward
}

func (c *CloudBackend) handleRateLimit(retryAfter string) {
	c.mu.Lock()
	wait := 60
	if v, err := strconv.Atoi(retryAfter); err == nil {
		wait = v
	}
	c.rateLimitedUntil = time.Now().Add(time.Duration(wait) * time.Second)
	c.mu.Unlock()

	c.increaseBackoff()
	c.logger.Warn("rate limited", "wait_seconds", wait)
	c.recordFailure(fmt.Sprintf("rate limit %ds", wait))
}

func (c *CloudBackend) handleQuotaExhaustion() {
	c.mu.Lock()
	c.quotaExhausted = true
	c.mu.Unlock()

	c.logger.Error("quota exhausted")
	c.recordFailure("quota exhausted")
}

func (c *CloudBackend) increaseBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBackoff = min(c.currentBackoff*2, c.maxBackoff)
}

func (c *CloudBackend) resetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBackoff = c.baseBackoff
}

func (c *CloudBackend) recordSuccess(latency time.Duration, reward float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trials++
	c.successes++
	c.totalReward += reward

	c.emaLatency = time.Duration(c.emaAlpha*float64(latency) + (1-c.emaAlpha)*float64(c.emaLatency))
	c.emaSuccessRate = c.emaAlpha*1.0 + (1-c.emaAlpha)*c.emaSuccessRate

	if c.circuit == CircuitHalfOpen {
		c.circuit = CircuitClosed
		c.logger.Info("circuit breaker: half-open -> closed")
	}
	c.consecutiveFailures = 0
}

func (c *CloudBackend) recordFailure(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trials++
	c.consecutiveFailures++
	c.lastFailure = time.Now()
	c.emaSuccessRate = (1 - c.emaAlpha) * c.emaSuccessRate

	if c.consecutiveFailures >= c.failureThreshold {
		if c.circuit != CircuitOpen {
			c.circuit = CircuitOpen
			c.logger.Error("circuit breaker: -> open", "consecutive_failures", c.consecutiveFailures, "reason", reason)
		}
	} else if c.circuit == CircuitHalfOpen {
		c.circuit = CircuitOpen
		c.logger.Warn("circuit breaker: half-open -> open (probe failed)", "reason", reason)
	}

	if !strings.Contains(strings.ToLower(reason), "rate limit") {
		c.currentBackoff = min(c.currentBackoff*2, c.maxBackoff)
	}
}

// Stats returns a snapshot of the backend's circuit, rate-limit, and
// bandit state.
func (c *CloudBackend) Stats() BackendStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BackendStats{
		Name:                c.Name(),
		Circuit:             c.circuit,
		ConsecutiveFailures: c.consecutiveFailures,
		LastFailure:         c.lastFailure,
		EMASuccessRate:      c.emaSuccessRate,
		EMALatency:          c.emaLatency,
		Trials:              c.trials,
		CumulativeReward:    c.totalReward,
		Successes:           c.successes,
		RateLimitedUntil:    c.rateLimitedUntil,
		QuotaExhausted:      c.quotaExhausted,
		BackoffSeconds:      c.currentBackoff,
	}
}
