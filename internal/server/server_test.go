package server

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/memerr"
)

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestErrorResultEnvelope(t *testing.T) {
	res := errorResult(memerr.New(memerr.KindValidation, "content must not be empty"))
	assert.True(t, res.IsError)

	var body map[string]struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["error"].Code)
	assert.Contains(t, body["error"].Message, "content must not be empty")
}

func TestErrorResultCarriesDetails(t *testing.T) {
	err := memerr.New(memerr.KindNotFound, "artifact art_x").
		WithDetails(map[string]any{"artifact_id": "art_x"})
	res := errorResult(err)

	var body map[string]struct {
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &body))
	assert.Equal(t, "art_x", body["error"].Details["artifact_id"])
}

func TestJSONResult(t *testing.T) {
	res := jsonResult(map[string]string{"status": "queued"})
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"status":"queued"}`, textOf(t, res))
}

func TestPingStatus(t *testing.T) {
	assert.Equal(t, "ok", pingStatus(nil))
	assert.Equal(t, "unreachable", pingStatus(assert.AnError))
}
