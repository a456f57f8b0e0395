package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

func TestDBHandler_WriteThenRead(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	services := handler.Services{handler.ServiceFiles: dir}
	h := NewDBHandler()

	writeNode := &models.Node{ID: "w", Type: models.NodeTypeDB}
	writeReq := newRequest(writeNode,
		map[string]any{"operation": "write", "sub_type": "json", "file": "out/result.json"},
		map[string]any{"default": map[string]any{"answer": 42}},
		services)

	out, err := h.Execute(context.Background(), writeReq)
	require.NoError(t, err)
	assert.NotNil(t, out.Value)

	readNode := &models.Node{ID: "r", Type: models.NodeTypeDB}
	readReq := newRequest(readNode,
		map[string]any{"operation": "read", "sub_type": "json", "file": "out/result.json"},
		nil, services)

	out, err = h.Execute(context.Background(), readReq)
	require.NoError(t, err)

	value := out.Value.(map[string]any)
	assert.Equal(t, float64(42), value["answer"])
}

func TestDBHandler_ReadMissingFile(t *testing.T) {
	t.Parallel()

	services := handler.Services{handler.ServiceFiles: t.TempDir()}
	h := NewDBHandler()

	node := &models.Node{ID: "r", Type: models.NodeTypeDB}
	req := newRequest(node, map[string]any{"operation": "read", "file": "nope.json"}, nil, services)

	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, out.Value)
}

func TestDBHandler_PathEscapeRejected(t *testing.T) {
	t.Parallel()

	services := handler.Services{handler.ServiceFiles: t.TempDir()}
	h := NewDBHandler()

	node := &models.Node{ID: "r", Type: models.NodeTypeDB}
	req := newRequest(node, map[string]any{"operation": "read", "file": "../../etc/passwd"}, nil, services)

	_, err := h.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestAPIJobHandler(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"value": 7},
		})
	}))
	defer srv.Close()

	h := NewAPIJobHandler()
	node := &models.Node{ID: "api", Type: models.NodeTypeAPIJob}
	req := newRequest(node, map[string]any{
		"url":     srv.URL,
		"method":  "GET",
		"headers": map[string]any{"Accept": "application/json"},
		"jq":      ".data.value",
	}, nil, handler.Services{handler.ServiceHTTP: srv.Client()})

	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 7, out.Value.(float64))
	assert.Equal(t, http.StatusOK, out.Metadata["status_code"])
}

func TestAPIJobHandler_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewAPIJobHandler()
	node := &models.Node{ID: "api", Type: models.NodeTypeAPIJob}
	req := newRequest(node, map[string]any{"url": srv.URL}, nil, nil)

	_, err := h.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestAPIJobHandler_BadJQ(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := NewAPIJobHandler()
	node := &models.Node{ID: "api", Type: models.NodeTypeAPIJob}
	req := newRequest(node, map[string]any{"url": srv.URL, "jq": "((("}, nil, nil)

	_, err := h.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestEndpointHandler_SaveToFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := NewEndpointHandler()

	node := &models.Node{ID: "end", Type: models.NodeTypeEndpoint}
	req := newRequest(node,
		map[string]any{"save_to_file": true, "file_path": "results/final.json"},
		map[string]any{"default": map[string]any{"ok": true}},
		handler.Services{handler.ServiceFiles: dir})

	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, out.Value)

	data, err := os.ReadFile(filepath.Join(dir, "results", "final.json"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded["ok"])
}

func TestUserResponseHandler(t *testing.T) {
	t.Parallel()

	h := NewUserResponseHandler()
	node := &models.Node{ID: "ask", Type: models.NodeTypeUserResponse}

	req := newRequest(node, map[string]any{"prompt": "continue?"}, nil, nil)
	req.Context.Interactive = func(ctx context.Context, nodeID models.NodeID, prompt string) (string, error) {
		assert.Equal(t, "continue?", prompt)
		return "yes", nil
	}

	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Value)
}
