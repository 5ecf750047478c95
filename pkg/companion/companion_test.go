package companion

import (
	"context"
	"testing"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) logging.Logger {
	t.Helper()
	return logging.NewLogger("companion-test: ", logging.LogFuncs{
		Debugf: t.Logf,
		Infof:  t.Logf,
		Warnf:  t.Logf,
		Errorf: t.Logf,
	})
}

func TestParseTargetList(t *testing.T) {
	t.Run("one_target_per_line", func(t *testing.T) {
		output := []byte(`{"udid":"AAAA-1111","name":"iPhone 15","state":"Booted","type":"simulator"}
{"udid":"BBBB-2222","name":"iPhone 12","state":"Shutdown","type":"device"}
`)
		list, err := parseTargetList(output)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "AAAA-1111", list[0].UDID)
		assert.Equal(t, targets.TargetTypeSimulator, list[0].TargetType)
		assert.Equal(t, "BBBB-2222", list[1].UDID)
		assert.Equal(t, targets.StateBooted, list[0].State)
	})

	t.Run("blank_lines_are_skipped", func(t *testing.T) {
		output := []byte("\n{\"udid\":\"AAAA-1111\"}\n\n")
		list, err := parseTargetList(output)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("empty_output_is_an_empty_list", func(t *testing.T) {
		list, err := parseTargetList(nil)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("malformed_line_is_a_validation_error", func(t *testing.T) {
		output := []byte("{\"udid\":\"AAAA-1111\"}\nnot json\n")
		_, err := parseTargetList(output)
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestResolveSpawnAddress(t *testing.T) {
	t.Run("domain_socket_passes_through", func(t *testing.T) {
		requested := targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"}
		bound, err := resolveSpawnAddress(requested)
		require.NoError(t, err)
		assert.Equal(t, requested, bound)
	})

	t.Run("fixed_tcp_port_passes_through", func(t *testing.T) {
		requested := targets.TCPAddress{Host: "127.0.0.1", Port: 10880}
		bound, err := resolveSpawnAddress(requested)
		require.NoError(t, err)
		assert.Equal(t, requested, bound)
	})

	t.Run("tcp_port_zero_resolves_to_a_free_port", func(t *testing.T) {
		bound, err := resolveSpawnAddress(targets.TCPAddress{Host: "127.0.0.1", Port: 0})
		require.NoError(t, err)
		tcp, ok := bound.(targets.TCPAddress)
		require.True(t, ok)
		assert.Greater(t, tcp.Port, 0)
	})

	t.Run("nil_address_is_a_validation_error", func(t *testing.T) {
		_, err := resolveSpawnAddress(nil)
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestCompanion_RequiresExecutablePath(t *testing.T) {
	companion := NewCompanion(Config{}, newTestLogger(t))

	_, err := companion.ListLocalTargets(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, _, err = companion.SpawnServer(context.Background(), ServerConfig{UDID: "AAAA-1111"}, targets.DomainSocketAddress{Path: "/tmp/x.sock"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestCompanion_SpawnServerRequiresUDID(t *testing.T) {
	companion := NewCompanion(Config{ExecutablePath: "/usr/local/bin/idb_companion"}, newTestLogger(t))

	_, _, err := companion.SpawnServer(context.Background(), ServerConfig{}, targets.DomainSocketAddress{Path: "/tmp/x.sock"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
