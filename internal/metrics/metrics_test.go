package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/metrics"
	"github.com/cklxx-labs/parallex/internal/wire"
)

func TestObserveFrameAndScrape(t *testing.T) {
	reg := metrics.New()
	reg.ObserveFrame(wire.TypeLog)
	reg.ObserveFrame(wire.TypeLog)
	reg.ObserveFrame(wire.TypeAction)
	reg.SuitesStarted.Inc()
	reg.SuitesCompleted.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "parallex_frames_decoded_total")
	require.Contains(t, body, "parallex_suites_started_total")
}
