package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mudclock/internal/driver"
	"mudclock/internal/entity"
	"mudclock/internal/storage"
	"mudclock/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, deps Deps) http.Handler {
	t.Helper()
	return New(cfg, deps, logx.Nop()).Router(cfg)
}

func get(t *testing.T, h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	h := newTestService(t, Config{Token: "s3cret"}, Deps{})
	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestBearerAuth(t *testing.T) {
	reg := entity.NewRegistry()
	h := newTestService(t, Config{Token: "s3cret"}, Deps{Registry: reg})

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/objects").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/objects", "Authorization", "Bearer nope").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/objects?token=nope").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/objects", "Authorization", "Bearer s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/objects?token=s3cret").Code)
}

func TestStatusUsesSnapshot(t *testing.T) {
	snap := driver.Snapshot{State: "idle", Heartbeats: []string{"a#1"}, Counters: driver.Counters{Episodes: 1200}}
	h := newTestService(t, Config{}, Deps{Snapshot: func(context.Context) (driver.Snapshot, error) { return snap, nil }})

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Summary string          `json:"summary"`
		Driver  driver.Snapshot `json:"driver"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "idle, 0 call-outs pending, 1 heartbeats, 1,200 episodes", body.Summary)
	require.Equal(t, []string{"a#1"}, body.Driver.Heartbeats)

	failing := newTestService(t, Config{}, Deps{Snapshot: func(context.Context) (driver.Snapshot, error) {
		return driver.Snapshot{}, driver.ErrLoopStopped
	}})
	require.Equal(t, http.StatusServiceUnavailable, get(t, failing, "/status").Code)
}

func TestObjectsListsLiveEntities(t *testing.T) {
	reg := entity.NewRegistry()
	reg.Add(entity.NewObject("room#1", "room"))
	reg.Add(entity.NewObject("orc#1", "orc"))
	reg.Add(entity.NewObject("orc#2", "orc"))
	reg.Remove("orc#2")

	rec := get(t, newTestService(t, Config{}, Deps{Registry: reg}), "/objects")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []objectInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, []objectInfo{{ID: "orc#1", Blueprint: "orc"}, {ID: "room#1", Blueprint: "room"}}, got)
}

func TestIncidents(t *testing.T) {
	h := newTestService(t, Config{}, Deps{})
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/incidents").Code)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "m.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	for _, l := range []string{"a", "b", "c"} {
		require.NoError(t, st.AppendIncident(ctx, storage.Incident{Label: l, Time: time.Now()}))
	}

	h = newTestService(t, Config{}, Deps{Store: st})
	require.Equal(t, http.StatusBadRequest, get(t, h, "/incidents?limit=x").Code)

	rec := get(t, h, "/incidents?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []storage.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "c", got[0].Label)
}

func TestMetricsAndPprofMounts(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) })

	h := newTestService(t, Config{Pprof: true}, Deps{Metrics: metrics})
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "m 1\n", rec.Body.String())
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/").Code)

	off := newTestService(t, Config{}, Deps{})
	require.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/").Code)
	require.Equal(t, http.StatusNotFound, get(t, off, "/metrics").Code)
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		cfg  Config
		ok   bool
	}{
		{"127.0.0.1:7070", Config{}, true},
		{"localhost:7070", Config{}, true},
		{"[::1]:7070", Config{}, true},
		{":7070", Config{}, false},
		{"0.0.0.0:7070", Config{}, false},
		{"0.0.0.0:7070", Config{Token: "t"}, true},
		{"10.0.0.5:7070", Config{AllowInsecure: true}, true},
	}
	for _, tt := range tests {
		err := checkBind(tt.addr, tt.cfg)
		if tt.ok {
			require.NoError(t, err, tt.addr)
		} else {
			require.True(t, errors.Is(err, errInsecureBind), tt.addr)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	require.Empty(t, s.Addr())
}
