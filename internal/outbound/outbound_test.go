package outbound

import (
	"testing"
	"time"

	"github.com/foxcpp/maddy/internal/model"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{20, time.Hour},
	}
	for _, c := range cases {
		if got := backoff(c.retryCount); got != c.want {
			t.Errorf("backoff(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminalStatuses := []model.DeliveryStatus{model.DeliverySent, model.DeliveryInternal, model.DeliveryFailed}
	for _, s := range terminalStatuses {
		if !terminal(s) {
			t.Errorf("terminal(%q) = false, want true", s)
		}
	}
	if terminal(model.DeliveryRetry) {
		t.Error("terminal(retry) = true, want false")
	}
}

func TestStrPtr(t *testing.T) {
	if p := strPtr(""); p != nil {
		t.Errorf("strPtr(\"\") = %v, want nil", p)
	}
	if p := strPtr("hi"); p == nil || *p != "hi" {
		t.Errorf("strPtr(\"hi\") = %v, want pointer to \"hi\"", p)
	}
}
