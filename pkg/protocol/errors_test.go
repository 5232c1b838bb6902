package protocol_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"architect/pkg/protocol"
)

func TestDeliveryErrorDiscrimination(t *testing.T) {
	base := &protocol.DeliveryError{TaskID: 7, Worker: "w1", Reason: "session not found"}
	wrapped := fmt.Errorf("dispatch: %w", base)

	var de *protocol.DeliveryError
	if !errors.As(wrapped, &de) {
		t.Fatal("expected errors.As to find DeliveryError through wrapping")
	}
	if de.TaskID != 7 || de.Worker != "w1" {
		t.Errorf("unexpected fields: %+v", de)
	}

	var re *protocol.ResourceUnavailableError
	if errors.As(wrapped, &re) {
		t.Error("DeliveryError must not match ResourceUnavailableError")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&protocol.ValidationError{Field: "content", Reason: "is empty"}, "content is empty"},
		{&protocol.ResourceUnavailableError{TaskID: 3, Reason: "lock held"}, "task 3"},
		{&protocol.DeliveryError{TaskID: 4, Worker: "w2", Reason: "ssh exit 255"}, "worker w2"},
		{&protocol.WorkerFaultError{TaskID: 5, Worker: "w3", Output: "panic"}, "task 5"},
		{&protocol.TimeoutError{TaskID: 6, Worker: "w4"}, "timed out"},
		{&protocol.RetriesExhaustedError{TaskID: 9, RetryCount: 3, LastError: "timeout"}, "after 3 retries"},
	}
	for _, tc := range tests {
		if msg := tc.err.Error(); !strings.Contains(msg, tc.want) {
			t.Errorf("%T message %q does not contain %q", tc.err, msg, tc.want)
		}
	}
}
