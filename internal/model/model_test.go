package model

import "testing"

func TestRequestStatus_Terminal(t *testing.T) {
	cases := map[RequestStatus]bool{
		StatusPending:        false,
		StatusSending:        false,
		StatusSent:           true,
		StatusPartialFailure: true,
		StatusFailed:         true,
		StatusCancelled:      true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestQueueEntry_ExhaustedAndRetryable(t *testing.T) {
	cases := []struct {
		name       string
		entry      QueueEntry
		maxRetries int
		exhausted  bool
		retryable  bool
	}{
		{"fresh row", QueueEntry{RetryCount: 0}, 3, false, true},
		{"under budget", QueueEntry{RetryCount: 2}, 3, false, true},
		{"at budget", QueueEntry{RetryCount: 3}, 3, true, false},
		{"over budget", QueueEntry{RetryCount: 5}, 3, true, false},
		{"already successful", QueueEntry{RetryCount: 5, IsSuccessful: true}, 3, false, false},
	}
	for _, c := range cases {
		if got := c.entry.Exhausted(c.maxRetries); got != c.exhausted {
			t.Errorf("%s: Exhausted(%d) = %v, want %v", c.name, c.maxRetries, got, c.exhausted)
		}
		if got := c.entry.Retryable(c.maxRetries); got != c.retryable {
			t.Errorf("%s: Retryable(%d) = %v, want %v", c.name, c.maxRetries, got, c.retryable)
		}
	}
}
