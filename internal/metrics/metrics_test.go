package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mudclock/internal/driver"
)

func TestObserverCountsEpisodesAndPasses(t *testing.T) {
	o := New()

	o.EpisodeDone(driver.EpisodeStats{Kind: driver.KindCallOut, Outcome: driver.OutcomeOK, Cost: 3, Elapsed: time.Millisecond})
	o.EpisodeDone(driver.EpisodeStats{Kind: driver.KindCallOut, Outcome: driver.OutcomeAborted, Cost: 101})
	o.EpisodeDone(driver.EpisodeStats{Kind: driver.KindHeartbeat, Outcome: driver.OutcomeOK, Cost: 1})
	o.PassDone(driver.PassStats{Chained: 2, Pending: 7, Members: 3})
	o.PassDone(driver.PassStats{Pending: 5, Members: 4})

	require.Equal(t, 1.0, testutil.ToFloat64(o.episodes.WithLabelValues("call_out", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(o.episodes.WithLabelValues("call_out", "aborted")))
	require.Equal(t, 1.0, testutil.ToFloat64(o.episodes.WithLabelValues("heart_beat", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(o.passes))
	require.Equal(t, 2.0, testutil.ToFloat64(o.chained))
	require.Equal(t, 5.0, testutil.ToFloat64(o.pending))
	require.Equal(t, 4.0, testutil.ToFloat64(o.heartbeat))
}

func TestHandlerExposesMetrics(t *testing.T) {
	o := New()
	o.PassDone(driver.PassStats{Pending: 1})

	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "mudclock_passes_total 1"))
	require.Contains(t, string(body), "mudclock_callouts_pending 1")
}
