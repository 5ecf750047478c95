package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("underlying error")

	err := NewConnectError("localhost:10880", cause)

	assert.Equal(t, ErrorTypeConnect, err.Type)
	assert.Equal(t, "connecting to companion at localhost:10880 failed", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, "localhost:10880", err.Context["address"])
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewSpawnError("AAAA-BBBB", nil)

	err = err.WithContext("socket_path", "/tmp/AAAA-BBBB_companion.sock")
	err = err.WithContext("pid", 12345)

	assert.Equal(t, "AAAA-BBBB", err.Context["udid"])
	assert.Equal(t, "/tmp/AAAA-BBBB_companion.sock", err.Context["socket_path"])
	assert.Equal(t, 12345, err.Context["pid"])
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewNoLauncherError("AAAA-BBBB"),
			expected: "no_launcher: cannot spawn companion for AAAA-BBBB, no companion executable configured",
		},
		{
			name:     "error with cause",
			error:    NewSpawnError("AAAA-BBBB", errors.New("exec failed")),
			expected: "spawn: spawning companion for AAAA-BBBB failed: exec failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TargetResolutionMessages(t *testing.T) {
	noTarget := NewNoTargetError(nil)
	assert.Contains(t, noTarget.Error(), "no companions are known")

	ambiguous := NewAmbiguousTargetError([]string{"device-1", "device-2"})
	assert.Contains(t, ambiguous.Error(), "device-1")
	assert.Contains(t, ambiguous.Error(), "device-2")
	assert.Equal(t, []string{"device-1", "device-2"}, ambiguous.Context["known_udids"])

	unknown := NewUnknownDeviceError("device-3", []string{"device-1"})
	assert.Contains(t, unknown.Error(), "device-3")
	assert.Contains(t, unknown.Error(), "device-1")
}

func TestDomainError_TypeChecking(t *testing.T) {
	connectErr := NewConnectError("localhost:10880", nil)
	describeErr := NewDescribeError("/tmp/a.sock", nil)

	assert.True(t, IsConnectError(connectErr))
	assert.False(t, IsConnectError(describeErr))

	assert.True(t, IsDescribeError(describeErr))
	assert.False(t, IsDescribeError(connectErr))

	assert.True(t, IsNoTargetError(NewNoTargetError(nil)))
	assert.True(t, IsAmbiguousTargetError(NewAmbiguousTargetError([]string{"a", "b"})))
	assert.True(t, IsUnknownDeviceError(NewUnknownDeviceError("a", nil)))
	assert.True(t, IsNoLauncherError(NewNoLauncherError("a")))
	assert.True(t, IsSpawnError(NewSpawnError("a", nil)))

	// Test with wrapped errors
	wrappedErr := errors.New("wrapped")
	assert.False(t, IsConnectError(wrappedErr))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewDescribeError("/tmp/a.sock", cause)

	unwrapped := errors.Unwrap(err)
	assert.Equal(t, cause, unwrapped)
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()

	// Test empty collection
	assert.False(t, collection.HasErrors())
	assert.Nil(t, collection.ToError())

	// Add some errors
	collection.Add(NewSpawnError("device-1", nil))
	collection.Add(NewIOError("registry write failed", nil))
	collection.Add(nil) // Should be ignored

	assert.True(t, collection.HasErrors())
	assert.Equal(t, 2, len(collection.Errors))

	// Test error message
	err := collection.ToError()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}
