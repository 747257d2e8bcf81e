package neural

import (
	"testing"
	"time"
)

func TestCloudEnabledForcedCloudRequiresKey(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "short"}, nil)
	if c.enabled() {
		t.Error("a too-short key should not enable forced cloud")
	}
	c2 := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	if !c2.enabled() {
		t.Error("a plausible key should enable forced cloud")
	}
}

func TestCloudEnabledForcedLocalAlwaysDisables(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderLocal, APIKey: "sk-areallylongkeyvalue"}, nil)
	if c.enabled() {
		t.Error("provider=local must disable cloud regardless of key")
	}
}

func TestCloudEnabledAutoFollowsKeyPresence(t *testing.T) {
	withKey := NewCloudBackend(CloudBackendConfig{Provider: ProviderAuto, APIKey: "sk-areallylongkeyvalue"}, nil)
	withoutKey := NewCloudBackend(CloudBackendConfig{Provider: ProviderAuto, APIKey: ""}, nil)
	if !withKey.enabled() {
		t.Error("auto with a plausible key should be enabled")
	}
	if withoutKey.enabled() {
		t.Error("auto without a key should be disabled")
	}
}

func TestCloudCircuitStartsOpenWhenDisabled(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderLocal}, nil)
	if c.Stats().Circuit != CircuitOpen {
		t.Error("a disabled cloud backend should start with its circuit forced open")
	}
}

func TestCloudCanExecuteFalseWhenQuotaExhausted(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	c.handleQuotaExhaustion()
	if c.CanExecute() {
		t.Error("CanExecute should be false once quota is marked exhausted")
	}
}

func TestCloudResetQuotaReenables(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	c.handleQuotaExhaustion()
	c.ResetQuota()
	if !c.CanExecute() {
		t.Error("CanExecute should recover after ResetQuota")
	}
}

func TestCloudCanExecuteFalseDuringRateLimit(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	c.handleRateLimit("60")
	if c.CanExecute() {
		t.Error("CanExecute should be false while rate-limited")
	}
}

func TestCloudBackoffDoublesOnFailureAndResetsOnSuccess(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	start := c.Stats().BackoffSeconds
	c.recordFailure("boom")
	if c.Stats().BackoffSeconds <= start {
		t.Error("backoff should increase after a non-rate-limit failure")
	}
	c.resetBackoff()
	if c.Stats().BackoffSeconds != c.baseBackoff {
		t.Error("backoff should reset to base after resetBackoff")
	}
}

func TestCloudBackoffDoesNotIncreaseOnRateLimitFailure(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	before := c.Stats().BackoffSeconds
	c.recordFailure("rate limit 60s")
	if c.Stats().BackoffSeconds != before {
		t.Error("rate-limit failures should not compound the exponential backoff")
	}
}

func TestCloudCircuitOpensAfterFailureThreshold(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue", FailureThreshold: 2}, nil)
	c.recordFailure("one")
	if c.Stats().Circuit != CircuitClosed {
		t.Fatal("circuit should remain closed below threshold")
	}
	c.recordFailure("two")
	if c.Stats().Circuit != CircuitOpen {
		t.Error("circuit should open at the failure threshold")
	}
}

func TestIsValidCloudResponseRejectsBannedWords(t *testing.T) {
	for _, bad := range []string{"yes", "no", "ok", "Oui", "NON"} {
		if isValidCloudResponse(bad) {
			t.Errorf("isValidCloudResponse(%q) = true, want false", bad)
		}
	}
}

func TestCloudRewardNeverBelowFloor(t *testing.T) {
	r := cloudReward("", 30*time.Second)
	if r < 0.1 {
		t.Errorf("reward = %v, want >= 0.1 floor", r)
	}
}

func TestCloudRewardRewardsLongerReplies(t *testing.T) {
	short := cloudReward("ok fine", 500*time.Millisecond)
	long := cloudReward("a much longer and more thoughtful reply to the question!", 500*time.Millisecond)
	if long <= short {
		t.Errorf("longer reply reward %v should exceed shorter %v", long, short)
	}
}

func TestBuildCloudMessagesIncludesSystemPrompt(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	msgs := c.buildMessages(Request{Prompt: "hello", Context: "mention"})
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("expected system+user messages, got %+v", msgs)
	}
}

func TestCloudRequestParamsAskIsTighter(t *testing.T) {
	c := NewCloudBackend(CloudBackendConfig{Provider: ProviderCloud, APIKey: "sk-areallylongkeyvalue"}, nil)
	maxTokens, temp := c.requestParams(Request{Context: "ask"})
	if maxTokens != 90 || temp != 0.4 {
		t.Errorf("ask params = (%d, %v), want (90, 0.4)", maxTokens, temp)
	}
}
