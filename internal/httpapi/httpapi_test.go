package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentcompany/agentcompany/internal/rpcapi"
)

func TestHandleRPCDispatchesToRouter(t *testing.T) {
	router := rpcapi.NewRouter()
	router.Register("echo.ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"ok": "yes"}, nil
	})
	s := NewServer(Config{}, router, NewEventBroker())

	req := httptest.NewRequest(http.MethodPost, "/api/rpc", jsonBody(`{"method":"echo.ping"}`))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok":"yes"`)
}

func TestHandleRPCUnknownMethodReturnsBadRequest(t *testing.T) {
	router := rpcapi.NewRouter()
	s := NewServer(Config{}, router, NewEventBroker())

	req := httptest.NewRequest(http.MethodPost, "/api/rpc", jsonBody(`{"method":"no.such"}`))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventBrokerReplaysEventsAfterLastEventID(t *testing.T) {
	b := NewEventBroker()
	b.Publish("a", 1)
	b.Publish("b", 2)
	b.Publish("c", 3)

	ch, replay := b.subscribe(1)
	defer b.unsubscribe(ch)

	require.Len(t, replay, 2)
	require.Equal(t, "b", replay[0].Name)
	require.Equal(t, "c", replay[1].Name)
}

func TestEventBrokerFansOutLiveEvents(t *testing.T) {
	b := NewEventBroker()
	ch, replay := b.subscribe(0)
	defer b.unsubscribe(ch)
	require.Empty(t, replay)

	b.Publish("live", "payload")

	select {
	case ev := <-ch:
		require.Equal(t, "live", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
