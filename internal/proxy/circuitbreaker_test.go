package proxy

import (
	"sync"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	for _, name := range []string{"openai", "anthropic", "gemini"} {
		if cb.State(name) != cbClosed {
			t.Errorf("provider %s should start closed, got %v", name, cb.State(name))
		}
		if cb.StateLabel(name) != "closed" {
			t.Errorf("provider %s label should be 'closed', got %s", name, cb.StateLabel(name))
		}
	}
}

func TestCircuitBreaker_AllowClosedState(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
		if cb.State("openai") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.Allow("openai") {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_DisabledProviderPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{ErrorThreshold: 1})
	cb.Disable("openai")

	for i := 0; i < 10; i++ {
		cb.RecordFailure("openai")
	}
	if !cb.Allow("openai") {
		t.Error("disabled breaker must always allow")
	}
	if cb.State("openai") != cbClosed {
		t.Errorf("disabled breaker must not accumulate state, got %v", cb.State("openai"))
	}

	// Other providers still trip normally.
	cb.RecordFailure("anthropic")
	if cb.Allow("anthropic") {
		t.Error("anthropic should have tripped at threshold 1")
	}
}

func TestCircuitBreaker_FailuresIsolatedPerProvider(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}

	if cb.State("openai") != cbOpen {
		t.Error("openai should be open")
	}
	if cb.State("anthropic") != cbClosed {
		t.Error("anthropic must be unaffected by openai failures")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}
	cb.RecordSuccess("openai")

	// Full threshold needed again.
	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}
	if cb.State("openai") != cbClosed {
		t.Error("should still be closed before a fresh threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	// Push the window start into the past so the counter is stale.
	pcb := cb.get("openai")
	pcb.mu.Lock()
	pcb.windowStart = time.Now().Add(-providers.CBTimeWindow - time.Second)
	pcb.errorCount = providers.CBErrorThreshold - 1
	pcb.mu.Unlock()

	cb.RecordFailure("openai")
	if cb.State("openai") != cbClosed {
		t.Error("stale failures must not count toward the threshold")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{Cooldown: 10 * time.Millisecond})

	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}
	if cb.Allow("openai") {
		t.Fatal("open breaker must reject before the cooldown")
	}

	time.Sleep(15 * time.Millisecond)

	if !cb.Allow("openai") {
		t.Fatal("cooldown elapsed: one probe should be admitted")
	}
	if cb.State("openai") != cbHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State("openai"))
	}
	// Only a single probe while the first is in flight.
	if cb.Allow("openai") {
		t.Error("second request must be rejected while the probe is out")
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{Cooldown: time.Millisecond})

	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}
	time.Sleep(5 * time.Millisecond)
	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}

	cb.RecordSuccess("openai")
	if cb.State("openai") != cbClosed {
		t.Error("successful probe should close the breaker")
	}
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests again")
	}
}

func TestCircuitBreaker_ProbeFailureReopensImmediately(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{Cooldown: time.Millisecond})

	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}
	time.Sleep(5 * time.Millisecond)
	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}

	// One failed probe reopens without needing the full threshold.
	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.State("openai"))
	}
	if cb.Allow("openai") {
		t.Error("reopened breaker must reject until the next cooldown")
	}
}

func TestCircuitBreaker_TransitionCallback(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{Cooldown: time.Millisecond})

	var mu sync.Mutex
	var transitions [][2]string
	cb.OnTransition(func(provider, from, to string) {
		mu.Lock()
		transitions = append(transitions, [2]string{from, to})
		mu.Unlock()
	})

	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}
	time.Sleep(5 * time.Millisecond)
	cb.Allow("openai")
	cb.RecordSuccess("openai")

	mu.Lock()
	defer mu.Unlock()
	want := [][2]string{
		{"closed", "open"},
		{"open", "half_open"},
		{"half_open", "closed"},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				cb.RecordFailure("openai")
			} else {
				cb.RecordSuccess("openai")
			}
			cb.Allow("openai")
			cb.State("openai")
		}(i)
	}
	wg.Wait()
}
