package progress

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRouterFansOutAndReturnsFirstError(t *testing.T) {
	var got []int
	ok := SinkFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Progress)
		return nil
	})
	boom := errors.New("client gone")
	failing := SinkFunc(func(context.Context, Event) error { return boom })

	r := NewRouter(zap.NewNop(), failing, ok, failing)
	err := r.Send(context.Background(), Event{Type: TypeStatus, RunID: 1, Progress: 40})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{40}, got)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Send(context.Background(), Event{Type: TypeStatus, RunID: 3, Progress: 20, CurrentStep: "Loading page"}))
	require.NoError(t, sink.Send(context.Background(), Event{Type: TypeError, RunID: 3, Status: "failed", Error: "navigation failed"}))

	out := buf.String()
	assert.Contains(t, out, `"msg":"Loading page"`)
	assert.Contains(t, out, `"error":"navigation failed"`)
	assert.Contains(t, out, `"level":"error"`)
}

func dialRun(t *testing.T, srv *httptest.Server, runID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + strconv.FormatInt(runID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func newHubServer(t *testing.T, status StatusFunc) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(status, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/ws/"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		hub.ServeWS(w, r, id)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func waitListeners(t *testing.T, hub *Hub, runID int64, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.listeners(runID) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDeliversOnlyToRun(t *testing.T) {
	hub, srv := newHubServer(t, nil)

	watcher := dialRun(t, srv, 7)
	defer watcher.Close()
	other := dialRun(t, srv, 8)
	defer other.Close()
	waitListeners(t, hub, 7, 1)
	waitListeners(t, hub, 8, 1)

	require.NoError(t, hub.Send(context.Background(), Event{Type: TypeStatus, RunID: 7, Status: "running", Progress: 10, CurrentStep: "Launching browser"}))

	var ev Event
	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, watcher.ReadJSON(&ev))
	assert.Equal(t, int64(7), ev.RunID)
	assert.Equal(t, 10, ev.Progress)
	assert.Equal(t, TypeStatus, ev.Type)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "run 8 must not see run 7 events")
}

func TestHubSendWithoutListeners(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	assert.NoError(t, hub.Send(context.Background(), Event{RunID: 42}))
}

func TestHubGetStatus(t *testing.T) {
	hub, srv := newHubServer(t, func(_ context.Context, runID int64) (Event, error) {
		return Event{Type: TypeStatus, RunID: runID, Status: "completed", Progress: 100}, nil
	})

	conn := dialRun(t, srv, 5)
	defer conn.Close()
	waitListeners(t, hub, 5, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get_status"}))

	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, 100, ev.Progress)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, srv := newHubServer(t, nil)

	conn := dialRun(t, srv, 9)
	waitListeners(t, hub, 9, 1)
	require.NoError(t, conn.Close())

	waitListeners(t, hub, 9, 0)
	assert.NoError(t, hub.Send(context.Background(), Event{RunID: 9}))
}
