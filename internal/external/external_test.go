package external_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/coordinator"
	"github.com/cklxx-labs/parallex/internal/external"
	"github.com/cklxx-labs/parallex/internal/queue"
	"github.com/cklxx-labs/parallex/internal/srcmap"
	"github.com/cklxx-labs/parallex/internal/wire"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	idx, err := srcmap.New()
	require.NoError(t, err)
	return coordinator.New(coordinator.Config{Parallel: 1}, idx, queue.New(1))
}

func TestRegisterThenStreamDispatchesFrames(t *testing.T) {
	coord := newTestCoordinator(t)
	minimalSourceMap := []byte(`{"version":3,"sources":["a.js"],"names":[],"mappings":"AAAA"}`)
	require.NoError(t, coord.RegisterSuite("suite1", "a.test.js", minimalSourceMap))

	var gotAction *wire.ActionFrame
	done := make(chan struct{})
	coord.On(coordinator.EventAction, func(ev coordinator.Event) {
		gotAction = ev.Frame.Action
		close(done)
	})

	srv := external.New(coord, []string{"*"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runners/register", "application/json", strings.NewReader(`{"name":"ci-runner-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reg struct {
		RegistrationID string `json:"registrationId"`
		StreamPath     string `json:"streamPath"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	require.NotEmpty(t, reg.RegistrationID)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + reg.StreamPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := wire.EncodeAction(wire.ActionFrame{
		Kind:        wire.KindSuite,
		Action:      wire.ActionSuccess,
		Ancestry:    "[]",
		Description: "suite1",
	}, wire.Header{SuiteID: "suite1", RunnerID: "remoterunner01"})

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched action event")
	}

	require.NotNil(t, gotAction)
	require.Equal(t, "suite1", gotAction.Description)
	require.Equal(t, "ci-runner-1", srv.LookupRunnerName("remoterunner01"))
}

func TestRegisterRejectsNameOutsideAllowedRunners(t *testing.T) {
	coord := newTestCoordinator(t)
	srv := external.New(coord, nil, external.WithAllowedRunners([]string{"known-runner"}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runners/register", "application/json", strings.NewReader(`{"name":"unknown-runner"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamRejectsUnknownRegistration(t *testing.T) {
	coord := newTestCoordinator(t)
	srv := external.New(coord, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runners/does-not-exist/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
