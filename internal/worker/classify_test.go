package worker

import (
	"testing"

	"permit-pipeline/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"navigation timeout of 300000ms exceeded", models.ErrCategoryTimeout},
		{"context deadline exceeded", models.ErrCategoryTimeout},
		{"portal login failed: invalid credentials", models.ErrCategoryAuth},
		{"session expired, re-authentication required", models.ErrCategoryAuth},
		{"waiting for selector #btn-descargar failed", models.ErrCategoryUpstreamChanged},
		{"element not found: input[name=folio]", models.ErrCategoryUpstreamChanged},
		{"connection reset by peer", models.ErrCategoryUnknown},
		{"", models.ErrCategoryUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.message); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	p := &Pool{}
	p.cfg.RetryDelays = nil
	if d := p.retryDelay(1); d.Minutes() != 1 {
		t.Fatalf("default delay = %s, want 1m", d)
	}
}
