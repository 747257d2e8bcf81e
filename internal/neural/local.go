package neural

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nova-stream/neurobot/internal/httpkit"
)

// LocalBackend talks to a local OpenAI-compatible chat completion endpoint
// (LM Studio, Ollama's /v1 shim). It is the fast, cheap tier: short
// per-class timeouts, a circuit breaker tuned for quick recovery, and a
// single retry that folds the system prompt into the user message when
// the model rejects a system role or drops the connection mid-stream.
type LocalBackend struct {
	endpoint       string
	model          string
	enabled        bool
	botName        string
	language       string
	debugStreaming bool
	inference      InferenceOverrides

	httpClient *http.Client
	logger     *slog.Logger

	failureThreshold int
	recoveryTime     time.Duration
	emaAlpha         float64

	mu                  sync.Mutex
	circuit             CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	emaSuccessRate      float64
	emaLatency          time.Duration
	trials              int64
	successes           int64
	totalReward         float64
}

// GenParams is one (context, class) generation parameter set. Zero
// fields fall back to the tuned defaults.
type GenParams struct {
	MaxTokens     int
	Temperature   float64
	RepeatPenalty float64
	Stop          []string
}

// InferenceOverrides carries the llm.inference.* config overrides,
// bucketed the way requestParams selects them.
type InferenceOverrides struct {
	Ask     GenParams
	Mention GenParams
	GenLong GenParams
	Joke    GenParams
}

// LocalBackendConfig configures a LocalBackend.
type LocalBackendConfig struct {
	Endpoint         string
	Model            string
	Enabled          bool
	BotName          string
	Language         string // language directive: fr, en, es, de
	DebugStreaming   bool   // chunk-level debug logging
	Inference        InferenceOverrides
	FailureThreshold int
	RecoveryTime     time.Duration
	EMAAlpha         float64
}

// NewLocalBackend constructs a LocalBackend from config, filling in
// tuned defaults where the caller leaves fields zero.
func NewLocalBackend(cfg LocalBackendConfig, logger *slog.Logger) *LocalBackend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:1234/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "mistralai/mistral-7b-instruct-v0.3"
	}
	if cfg.BotName == "" {
		cfg.BotName = "neurobot"
	}
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 300 * time.Second
	}
	if cfg.EMAAlpha <= 0 {
		cfg.EMAAlpha = 0.1
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 20 * time.Second

	return &LocalBackend{
		endpoint:         cfg.Endpoint,
		model:            cfg.Model,
		enabled:          cfg.Enabled,
		botName:          cfg.BotName,
		language:         cfg.Language,
		debugStreaming:   cfg.DebugStreaming,
		inference:        cfg.Inference,
		failureThreshold: cfg.FailureThreshold,
		recoveryTime:     cfg.RecoveryTime,
		emaAlpha:         cfg.EMAAlpha,
		emaSuccessRate:   0.8,
		emaLatency:       800 * time.Millisecond,
		logger:           logger.With("backend", "local"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithTransport(t),
			httpkit.WithLogger(logger),
		),
	}
}

// Name identifies this backend.
func (l *LocalBackend) Name() string { return "local" }

// CanExecute reports whether the circuit permits a request, opening the
// half-open probe window once the recovery timeout has elapsed.
func (l *LocalBackend) CanExecute() bool {
	if !l.enabled {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.circuit {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(l.lastFailure) > l.recoveryTime {
			l.circuit = CircuitHalfOpen
			l.logger.Info("circuit breaker: open -> half-open")
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// localMessage is a single OpenAI-compatible chat message.
type localMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localRequestBody struct {
	Model         string         `json:"model"`
	Messages      []localMessage `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature"`
	RepeatPenalty float64        `json:"repeat_penalty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream"`
}

// localStreamChunk is one SSE data frame of a streamed completion.
type localStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke produces a reply for req, recording success/failure against the
// circuit breaker and bandit state regardless of outcome.
func (l *LocalBackend) Invoke(ctx context.Context, req Request) (string, error) {
	if !l.CanExecute() {
		return "", fmt.Errorf("local: circuit open")
	}

	messages := l.buildMessages(req)
	params, timeout := l.requestParams(req)

	start := time.Now()
	reply, finishReason, err := l.transmit(ctx, messages, params, timeout)
	if err != nil {
		l.recordFailure(err.Error())
		return "", err
	}

	cleaned := postProcess(reply, finishReason, l.botName, req.Class, req.Context)
	if !isValidLocalResponse(cleaned) {
		l.recordFailure("invalid response")
		return "", fmt.Errorf("local: invalid response")
	}

	latency := time.Since(start)
	reward := localReward(cleaned, latency)
	l.recordSuccess(latency, reward)

	l.logger.Info("local backend success",
		"correlation_id", req.CorrelationID,
		"latency", latency,
		"reward", reward,
	)
	return cleaned, nil
}

// buildMessages wraps the stimulus in the per-context prompt template.
// A context of "direct" bypasses all wrapping.
func (l *LocalBackend) buildMessages(req Request) []localMessage {
	if req.Context == "direct" {
		return []localMessage{{Role: "user", Content: req.Prompt}}
	}

	langDirective := map[string]string{
		"fr": "EN FRANÇAIS",
		"en": "IN ENGLISH",
		"es": "EN ESPAÑOL",
		"de": "AUF DEUTSCH",
	}[l.language]
	if langDirective == "" {
		langDirective = "EN FRANÇAIS"
	}

	var prompt string
	if req.Context == "ask" {
		prompt = fmt.Sprintf(
			"Réponds EN 1 PHRASE MAX %s, SANS TE PRÉSENTER, comme un bot Twitch factuel. Max 120 caractères : %s",
			langDirective, req.Prompt,
		)
	} else {
		prompt = fmt.Sprintf(
			"Réponds EN 1 PHRASE MAX %s, SANS TE PRÉSENTER, comme %s, un bot Twitch sympa. Max 80 caractères : %s",
			langDirective, l.botName, req.Prompt,
		)
	}

	return []localMessage{{Role: "user", Content: prompt}}
}

// requestParams returns the per-(context,class) generation parameters:
// the tuned defaults for the matching bucket, with any non-zero config
// overrides applied on top.
func (l *LocalBackend) requestParams(req Request) (GenParams, time.Duration) {
	var params GenParams
	var override GenParams
	var timeout time.Duration

	switch {
	case req.Context == "ask":
		params = GenParams{MaxTokens: 200, Temperature: 0.3, RepeatPenalty: 1.1, Stop: []string{"\n", endMarker}}
		override = l.inference.Ask
		timeout = 15 * time.Second
	case req.Context == "mention" && req.Class == ClassLong:
		params = GenParams{MaxTokens: 100, Temperature: 0.4, RepeatPenalty: 1.2, Stop: []string{endMarker, "\n", "400.", "Exemple :", "En résumé,"}}
		override = l.inference.GenLong
		timeout = 15 * time.Second
	case req.Context == "mention":
		params = GenParams{MaxTokens: 200, Temperature: 0.7, RepeatPenalty: 1.1, Stop: []string{"\n"}}
		override = l.inference.Mention
		timeout = 12 * time.Second
	case req.Class == ClassLong:
		params = GenParams{MaxTokens: 100, Temperature: 0.4, RepeatPenalty: 1.2, Stop: []string{endMarker, "\n"}}
		override = l.inference.GenLong
		timeout = 15 * time.Second
	default:
		params = GenParams{MaxTokens: 150, Temperature: 0.7, RepeatPenalty: 1.1, Stop: []string{"\n"}}
		override = l.inference.Joke
		timeout = 12 * time.Second
	}

	if override.MaxTokens > 0 {
		params.MaxTokens = override.MaxTokens
	}
	if override.Temperature > 0 {
		params.Temperature = override.Temperature
	}
	if override.RepeatPenalty > 0 {
		params.RepeatPenalty = override.RepeatPenalty
	}
	if len(override.Stop) > 0 {
		params.Stop = override.Stop
	}
	return params, timeout
}

// transmit posts the streaming chat request. On a 400 complaining about
// the "system" role, or a connection error mid-stream, it retries once
// with the messages folded into a single user turn.
func (l *LocalBackend) transmit(ctx context.Context, messages []localMessage, params GenParams, timeout time.Duration) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := localRequestBody{
		Model:         l.model,
		Messages:      messages,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		RepeatPenalty: params.RepeatPenalty,
		Stop:          params.Stop,
		Stream:        true,
	}

	reply, finishReason, status, errBody, err := l.post(ctx, body)
	if err != nil {
		return l.retryFolded(ctx, body)
	}
	if status == http.StatusBadRequest && looksLikeSystemRoleRejection(errBody) {
		l.logger.Info("model rejected system role, retrying folded")
		return l.retryFolded(ctx, body)
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("local: HTTP %d: %s", status, errBody)
	}
	return reply, finishReason, nil
}

func (l *LocalBackend) retryFolded(ctx context.Context, body localRequestBody) (string, string, error) {
	body.Messages = foldMessages(body.Messages)
	reply, finishReason, status, errBody, err := l.post(ctx, body)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("local: HTTP %d: %s", status, errBody)
	}
	return reply, finishReason, nil
}

// post opens the streaming request and assembles the full reply from the
// delta chunks. Chunks never leave this method — consumers only ever see
// the completed message. The last non-empty finish_reason wins.
func (l *LocalBackend) post(ctx context.Context, body localRequestBody) (reply, finishReason string, status int, errBody string, err error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", 0, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return "", "", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096), nil
	}

	var buf strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk localStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			buf.WriteString(choice.Delta.Content)
			if l.debugStreaming {
				l.logger.Debug("stream chunk", "content", choice.Delta.Content)
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", 0, "", fmt.Errorf("stream read: %w", err)
	}
	if l.debugStreaming {
		l.logger.Debug("stream end", "finish_reason", finishReason, "length", buf.Len())
	}

	return buf.String(), finishReason, http.StatusOK, "", nil
}

func looksLikeSystemRoleRejection(errBody string) bool {
	lower := strings.ToLower(errBody)
	return strings.Contains(lower, "system") || strings.Contains(lower, "role")
}

// foldMessages merges a system-style message (none here, local always
// sends user-only today) into the first user message. Kept distinct
// from buildMessages so a future system-role prompt path has a single
// fallback to call.
func foldMessages(messages []localMessage) []localMessage {
	var system, user strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			system.WriteString(m.Content)
		default:
			if user.Len() > 0 {
				user.WriteByte(' ')
			}
			user.WriteString(m.Content)
		}
	}
	combined := user.String()
	if system.Len() > 0 {
		combined = system.String() + " " + combined
	}
	return []localMessage{{Role: "user", Content: combined}}
}

func selfIntroPatternsFor(botName string) []*regexp.Regexp {
	name := regexp.QuoteMeta(botName)
	return []*regexp.Regexp{
		regexp.MustCompile(`(?is)^Bonjour.*?` + name + `[^.]*\.?\s*`),
		regexp.MustCompile(`(?is)^Je suis ` + name + `[^.]*\.?\s*`),
		regexp.MustCompile(`(?is)^Moi,?\s*` + name + `[^,!.]*[,!.]\s*`),
		regexp.MustCompile(`(?is)^Salut.*?` + name + `[^.]*\.?\s*`),
		regexp.MustCompile(`(?is)^` + name + `,\s*[^.]*\.?\s*`),
	}
}

// endMarker is the sentinel the model is told to stop at; it also tags
// truncation points so a cut reply doesn't read as complete.
const endMarker = "\U0001F51A"

// driftTriggers are phrases that mark the start of a divagation in
// long-form output. The reply is cut before the earliest one found.
var driftTriggers = []string{
	"en résumé", "on peut également", "il est intéressant de noter",
	"pour comprendre cela", "de plus", "en outre", "par ailleurs",
	"ce phénomène peut aussi", "d'autres exemples incluent",
	"il faut noter que", "ainsi", "donc", "en effet",
	"in summary", "furthermore", "it is interesting to note",
}

// postProcess strips whitespace, removes a self-introduction preamble,
// cuts drift-prone long-form replies at the first divagation trigger,
// enforces the per-shape length caps, and appends an ellipsis when the
// model was cut off by the token budget.
func postProcess(raw, finishReason, botName string, class Class, context string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = removeSelfIntroduction(cleaned, botName)

	if class == ClassLong {
		cleaned = removeDrift(cleaned)
		cleaned = hardTruncate(cleaned, 400)
	}
	if context == "ask" {
		// Soft limit (max_tokens) guides the model; this is the hard cut.
		cleaned = hardTruncate(cleaned, 250)
	}

	if finishReason == "length" && cleaned != "" && !strings.HasSuffix(cleaned, "...") {
		cleaned = strings.TrimRight(cleaned, ".!?,;: ") + "..."
	}

	return cleaned
}

// removeDrift cuts the reply just before the earliest drift trigger,
// marking the cut with the end marker.
func removeDrift(s string) string {
	lower := strings.ToLower(s)
	cut := -1
	for _, trigger := range driftTriggers {
		if i := strings.Index(lower, trigger); i >= 0 && (cut == -1 || i < cut) {
			cut = i
		}
	}
	if cut == -1 {
		return s
	}
	return strings.TrimRight(s[:cut], " \t\n") + " " + endMarker
}

// hardTruncate forces s under max bytes, cutting back to the last
// sentence-final punctuation when one exists, else cutting mid-sentence
// with an ellipsis. The end marker is budgeted inside the limit.
func hardTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	reserve := len(" " + endMarker)
	cut := truncValidUTF8(s, max-reserve)

	lastPunct := strings.LastIndexAny(cut, ".!?")
	if lastPunct != -1 {
		return cut[:lastPunct+1] + " " + endMarker
	}
	return strings.TrimRight(truncValidUTF8(s, max-len("... "+endMarker)), " ") + "... " + endMarker
}

// truncValidUTF8 cuts s to at most max bytes without splitting a rune.
func truncValidUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func removeSelfIntroduction(response, botName string) string {
	original := response
	cleaned := response
	for _, p := range selfIntroPatternsFor(botName) {
		cleaned = p.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.Trim(cleaned, " ,.!")
	if cleaned == "" || len(cleaned) < 10 {
		return original
	}
	return capitalizeFirst(cleaned)
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var bannedShortReplies = map[string]bool{
	"ok": true, "oui": true, "non": true, "yes": true, "no": true,
}

func isValidLocalResponse(response string) bool {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) < 3 {
		return false
	}
	if len(trimmed) >= 10 {
		return true
	}
	return !bannedShortReplies[strings.ToLower(trimmed)]
}

// localReward shapes reward from response quality and latency against a
// 1s target — local is expected to be fast.
func localReward(response string, latency time.Duration) float64 {
	const targetLatency = 1.0
	base := 1.0
	latencyPenalty := latency.Seconds() / targetLatency
	if latencyPenalty > 1.0 {
		latencyPenalty = 1.0
	}
	latencyPenalty *= 0.3

	quality := 0.0
	if len(response) > 20 {
		quality += 0.2
	}
	if strings.ContainsAny(response, ".!?") {
		quality += 0.1
	}
	for _, e := range []string{"😄", "🎮", "👍", "🔥", "⚡"} {
		if strings.Contains(response, e) {
			quality += 0.15
			break
		}
	}

	reward := base - latencyPenalty + quality
	if reward < 0.1 {
		reward = 0.1
	}
	return reward
}

func (l *LocalBackend) recordSuccess(latency time.Duration, reward float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.trials++
	l.successes++
	l.totalReward += reward

	l.emaLatency = time.Duration(l.emaAlpha*float64(latency) + (1-l.emaAlpha)*float64(l.emaLatency))
	l.emaSuccessRate = l.emaAlpha*1.0 + (1-l.emaAlpha)*l.emaSuccessRate

	if l.circuit == CircuitHalfOpen {
		l.circuit = CircuitClosed
		l.logger.Info("circuit breaker: half-open -> closed")
	}
	l.consecutiveFailures = 0
}

func (l *LocalBackend) recordFailure(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.trials++
	l.consecutiveFailures++
	l.lastFailure = time.Now()
	l.emaSuccessRate = (1 - l.emaAlpha) * l.emaSuccessRate

	if l.consecutiveFailures >= l.failureThreshold {
		if l.circuit != CircuitOpen {
			l.circuit = CircuitOpen
			l.logger.Error("circuit breaker: -> open", "consecutive_failures", l.consecutiveFailures, "reason", reason)
		}
	} else if l.circuit == CircuitHalfOpen {
		l.circuit = CircuitOpen
		l.logger.Warn("circuit breaker: half-open -> open (probe failed)", "reason", reason)
	}
}

// Stats returns a snapshot of the backend's circuit and bandit state.
func (l *LocalBackend) Stats() BackendStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return BackendStats{
		Name:                l.Name(),
		Circuit:             l.circuit,
		ConsecutiveFailures: l.consecutiveFailures,
		LastFailure:         l.lastFailure,
		EMASuccessRate:      l.emaSuccessRate,
		EMALatency:          l.emaLatency,
		Trials:              l.trials,
		CumulativeReward:    l.totalReward,
		Successes:           l.successes,
	}
}
