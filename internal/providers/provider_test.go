package providers

import "testing"

func TestStreamEvent_DeltaText(t *testing.T) {
	ev := StreamEvent{Choices: []Choice{
		{Index: 0, Delta: Delta{Content: "He"}},
		{Index: 1, Delta: Delta{Content: "llo"}},
	}}
	if got := ev.DeltaText(); got != "Hello" {
		t.Errorf("expected 'Hello', got %q", got)
	}

	if got := (StreamEvent{Raw: "[DONE]", Done: true}).DeltaText(); got != "" {
		t.Errorf("expected empty delta for terminal event, got %q", got)
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !RetryableStatus(code) {
			t.Errorf("expected %d to be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if RetryableStatus(code) {
			t.Errorf("expected %d to not be retryable", code)
		}
	}
}
