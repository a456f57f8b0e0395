package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaflow/diaflow/internal/config"
	"github.com/diaflow/diaflow/internal/infrastructure/storage"
	"github.com/diaflow/diaflow/pkg/engine"
	"github.com/diaflow/diaflow/pkg/events"
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(models.NodeTypeStart, handler.Func(
		func(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
			return &models.NodeOutput{Value: req.Context.Variables}, nil
		})))
	require.NoError(t, registry.Register("echo", handler.Func(
		func(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
			return &models.NodeOutput{Value: req.FirstInput()}, nil
		})))

	router := events.NewRouter()
	bus := events.NewRouterBus(events.NewMemoryBus(), router)
	eng := engine.New(registry, storage.NewMemoryStore(), bus)

	srv := New(eng, router, config.ServerConfig{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(router.Close)

	return srv, ts
}

func simpleDiagramJSON() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "e", "type": "echo"},
		},
		"arrows": []any{
			map[string]any{
				"id":     "a1",
				"source": map[string]any{"node_id": "start", "handle": "default"},
				"target": map[string]any{"node_id": "e", "handle": "default"},
			},
		},
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartAndFetchExecution(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"diagram":   simpleDiagramJSON(),
		"variables": map[string]any{"who": "tester"},
	})

	resp, err := http.Post(ts.URL+"/api/v1/executions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		ExecutionID string `json:"execution_id"`
		Channel     string `json:"channel"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.ExecutionID)
	assert.True(t, strings.HasPrefix(accepted.Channel, "execution:"))

	state := awaitTerminal(t, ts, accepted.ExecutionID)
	assert.Equal(t, string(models.ExecutionStatusCompleted), state["status"])

	listResp, err := http.Get(ts.URL + "/api/v1/executions?limit=10")
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)
}

func TestServer_InvalidDiagramRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"diagram": map[string]any{
			"nodes": []any{map[string]any{"id": "a", "type": "echo"}},
		},
	})

	resp, err := http.Post(ts.URL+"/api/v1/executions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestServer_GetUnknownExecution(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/executions/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RouterStats(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/router/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// A reconnecting websocket client replays the channel's most recent event
// with its original sequence number.
func TestServer_WebSocketReplay(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"diagram": simpleDiagramJSON()})
	resp, err := http.Post(ts.URL+"/api/v1/executions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var accepted struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	awaitTerminal(t, ts, accepted.ExecutionID)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?execution_id=" + accepted.ExecutionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var replayed models.Event
	require.NoError(t, conn.ReadJSON(&replayed))

	assert.Equal(t, accepted.ExecutionID, string(replayed.ExecutionID))
	assert.Equal(t, models.EventTypeExecutionComplete, replayed.Type)
	assert.Greater(t, replayed.Sequence, int64(0))
}

func awaitTerminal(t *testing.T, ts *httptest.Server, id string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/v1/executions/%s", ts.URL, id))
		require.NoError(t, err)

		var state map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
		resp.Body.Close()

		status, _ := state["status"].(string)
		if models.ExecutionStatus(status).IsTerminal() {
			return state
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("execution did not reach a terminal status")
	return nil
}
