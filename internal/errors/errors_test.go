package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *Error
		wantStr string
	}{
		{
			name:    "simple error",
			err:     &Error{Code: "TEST_001", Message: "test error"},
			wantStr: "[TEST_001] test error",
		},
		{
			name:    "error with cause",
			err:     &Error{Code: "TEST_002", Message: "wrapped error", Cause: errors.New("underlying")},
			wantStr: "[TEST_002] wrapped error: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStr, tt.err.Error())
		})
	}
}

func TestError_UnwrapAndDetails(t *testing.T) {
	cause := errors.New("cause")
	err := New("TEST_001", "test").
		WithCause(cause).
		WithDetail("key1", "value1").
		WithDetail("key2", 42)

	assert.Same(t, cause, err.Unwrap())
	assert.Equal(t, "value1", err.Details["key1"])
	assert.Equal(t, 42, err.Details["key2"])
	assert.ErrorIs(t, err, cause)
}

func TestError_MarshalJSON(t *testing.T) {
	err := UnknownNode("review", "ghost").WithCause(errors.New("router returned ghost"))

	data, mErr := json.Marshal(err)
	require.NoError(t, mErr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, CodeGraphUnknownNode, decoded["code"])
	assert.Equal(t, string(CategoryConfiguration), decoded["category"])
	assert.Equal(t, "router returned ghost", decoded["cause"])
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		code string
		want Category
	}{
		{CodeGraphDuplicateNode, CategoryConfiguration},
		{CodeGraphUnknownNode, CategoryConfiguration},
		{CodeExprSyntax, CategoryConfiguration},
		{CodeExprUsage, CategoryConfiguration},
		{CodeServerPortExhausted, CategoryProcess},
		{CodePaneCreateFailed, CategoryProcess},
		{CodePaneTeardownIncomplete, CategoryProcess},
		{CodeIOFileNotFound, CategoryOperational},
		{CodeToolFailed, CategoryOperational},
		{"UNKNOWN", CategoryOperational},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.code))
		})
	}
}

func TestClassify_Wrapped(t *testing.T) {
	inner := PaneCreateFailed("no server running on /tmp/tmux-0/default", errors.New("exit status 1"))
	wrapped := fmt.Errorf("opening pane: %w", inner)

	assert.Equal(t, CategoryProcess, Classify(wrapped))
	assert.Equal(t, CategoryOperational, Classify(errors.New("plain")))
	assert.True(t, HasCode(wrapped, CodePaneCreateFailed))
	assert.Equal(t, CodePaneCreateFailed, Code(wrapped))
	assert.Equal(t, "", Code(errors.New("plain")))
}
