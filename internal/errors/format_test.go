package errors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForUser_BasicError(t *testing.T) {
	err := New(NotFound, "kv.Get", "key 'user:42' not found")

	result := FormatForUser(err)

	assert.Contains(t, result, "key 'user:42' not found")
	assert.Contains(t, result, "[not_found]")
}

func TestFormatForUser_StandardError(t *testing.T) {
	err := errors.New("something went wrong")

	result := FormatForUser(err)

	assert.Contains(t, result, "something went wrong")
}

func TestFormatForUser_NilError(t *testing.T) {
	result := FormatForUser(nil)

	assert.Empty(t, result)
}

func TestFormatJSON_BasicError(t *testing.T) {
	err := New(NotFound, "kv.Get", "key not found").
		WithDetail("key", "user:42")

	data, jsonErr := FormatJSON(err)

	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, string(NotFound), result["kind"])
	assert.Equal(t, "kv.Get", result["op"])
	assert.Equal(t, "key not found", result["message"])
	assert.Equal(t, false, result["retryable"])

	details, ok := result["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user:42", details["key"])
}

func TestFormatJSON_StandardError(t *testing.T) {
	err := errors.New("generic error")

	data, jsonErr := FormatJSON(err)

	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, string(Internal), result["kind"])
	assert.Equal(t, "generic error", result["message"])
}

func TestFormatJSON_NilError(t *testing.T) {
	data, err := FormatJSON(nil)

	assert.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(string(data)))
}

func TestFormatJSON_WithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(Internal, "engine.Put", cause)

	data, jsonErr := FormatJSON(err)

	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, "underlying error", result["cause"])
}

func TestFormatJSON_RetryableReflectsKind(t *testing.T) {
	err := Conflictf("mvcc.Commit", "write-write conflict")

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, true, result["retryable"])
}

func TestFormatForLog_BasicError(t *testing.T) {
	err := New(Corrupt, "vector.LoadIndex", "checksum mismatch").
		WithDetail("path", "index.bin")

	attrs := FormatForLog(err)

	assert.Equal(t, "corrupt", attrs["kind"])
	assert.Equal(t, "vector.LoadIndex", attrs["op"])
	assert.Equal(t, "checksum mismatch", attrs["message"])
	assert.Equal(t, false, attrs["retryable"])
	assert.Equal(t, "index.bin", attrs["detail_path"])
}

func TestFormatForLog_StandardError(t *testing.T) {
	err := errors.New("plain error")

	attrs := FormatForLog(err)

	assert.Equal(t, "plain error", attrs["error"])
}

func TestFormatForLog_NilError(t *testing.T) {
	attrs := FormatForLog(nil)

	assert.Nil(t, attrs)
}
