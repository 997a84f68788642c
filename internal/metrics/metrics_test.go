package metrics_test

import (
	"testing"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricCollectorsNonNil verifies all package-level metric variables are
// non-nil and pass Prometheus linting rules.
func TestMetricCollectorsNonNil(t *testing.T) {
	tests := []struct {
		name string
		c    prometheus.Collector
	}{
		{"EventsParsed", metrics.EventsParsed},
		{"LinesIgnored", metrics.LinesIgnored},
		{"RotationsDetected", metrics.RotationsDetected},
		{"EvaluationsTotal", metrics.EvaluationsTotal},
		{"MatchesTotal", metrics.MatchesTotal},
		{"DedupeSuppressed", metrics.DedupeSuppressed},
		{"StoreRefreshes", metrics.StoreRefreshes},
		{"StoreEntries", metrics.StoreEntries},
		{"StoreKeywords", metrics.StoreKeywords},
		{"KeywordsRejected", metrics.KeywordsRejected},
		{"APICalls", metrics.APICalls},
		{"APIDuration", metrics.APIDuration},
		{"CacheHits", metrics.CacheHits},
		{"RateGateWaits", metrics.RateGateWaits},
		{"AuthErrors", metrics.AuthErrors},
		{"ReauthTotal", metrics.ReauthTotal},
		{"WebhookDeliveries", metrics.WebhookDeliveries},
		{"WebhookDropped", metrics.WebhookDropped},
		{"WebhookQueueDepth", metrics.WebhookQueueDepth},
		{"NotifySuppressed", metrics.NotifySuppressed},
		{"NotifyErrors", metrics.NotifyErrors},
		{"DBSizeBytes", metrics.DBSizeBytes},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}
