package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestLogger(t *testing.T) logging.Logger {
	t.Helper()
	return logging.NewLogger("registry-test: ", logging.LogFuncs{
		Debugf: t.Logf,
		Infof:  t.Logf,
		Warnf:  t.Logf,
		Errorf: t.Logf,
	})
}

func newTestSet(t *testing.T) *CompanionSet {
	t.Helper()
	set, err := NewCompanionSet(filepath.Join(t.TempDir(), "companions.json"), newTestLogger(t))
	require.NoError(t, err)
	return set
}

func intPtr(v int) *int {
	return &v
}

func TestCompanionSet_AddAndList(t *testing.T) {
	set := newTestSet(t)
	ctx := context.Background()

	local := targets.CompanionInfo{
		Address: targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"},
		UDID:    "AAAA",
		IsLocal: true,
		PID:     intPtr(4242),
	}
	remote := targets.CompanionInfo{
		Address:  targets.TCPAddress{Host: "companion-host", Port: 10880},
		UDID:     "BBBB",
		Metadata: map[string]string{"pool": "ci"},
	}

	require.NoError(t, set.Add(ctx, local))
	require.NoError(t, set.Add(ctx, remote))

	list, err := set.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, local, list[0])
	assert.Equal(t, remote, list[1])
}

func TestCompanionSet_AddUpsertsByAddress(t *testing.T) {
	set := newTestSet(t)
	ctx := context.Background()
	address := targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"}

	require.NoError(t, set.Add(ctx, targets.CompanionInfo{Address: address, UDID: "AAAA", PID: intPtr(100)}))
	require.NoError(t, set.Add(ctx, targets.CompanionInfo{Address: address, UDID: "AAAA", PID: intPtr(200)}))

	list, err := set.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].PID)
	assert.Equal(t, 200, *list[0].PID)
}

func TestCompanionSet_RemoveIsIdempotent(t *testing.T) {
	set := newTestSet(t)
	ctx := context.Background()
	address := targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"}

	require.NoError(t, set.Add(ctx, targets.CompanionInfo{Address: address, UDID: "AAAA"}))

	require.NoError(t, set.Remove(ctx, address))
	require.NoError(t, set.Remove(ctx, address))
	require.NoError(t, set.Remove(ctx, targets.TCPAddress{Host: "nowhere", Port: 1}))

	list, err := set.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCompanionSet_ClearReturnsRemovedEntries(t *testing.T) {
	set := newTestSet(t)
	ctx := context.Background()

	require.NoError(t, set.Add(ctx, targets.CompanionInfo{
		Address: targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"},
		UDID:    "AAAA",
		PID:     intPtr(4242),
	}))
	require.NoError(t, set.Add(ctx, targets.CompanionInfo{
		Address: targets.TCPAddress{Host: "companion-host", Port: 10880},
		UDID:    "BBBB",
	}))

	removed, err := set.Clear(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	list, err := set.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Clearing an empty registry removes nothing
	removed, err = set.Clear(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCompanionSet_SharedAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companions.json")
	ctx := context.Background()

	first, err := NewCompanionSet(path, newTestLogger(t))
	require.NoError(t, err)
	second, err := NewCompanionSet(path, newTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, first.Add(ctx, targets.CompanionInfo{
		Address: targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"},
		UDID:    "AAAA",
	}))

	list, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "AAAA", list[0].UDID)
}

func TestCompanionSet_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	set, err := NewCompanionSet(path, newTestLogger(t))
	require.NoError(t, err)

	_, err = set.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestCompanionSet_RejectsAddresslessCompanion(t *testing.T) {
	set := newTestSet(t)

	err := set.Add(context.Background(), targets.CompanionInfo{UDID: "AAAA"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestCompanionSet_CancelledContext(t *testing.T) {
	set := newTestSet(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := set.Add(ctx, targets.CompanionInfo{
		Address: targets.DomainSocketAddress{Path: "/tmp/idb/AAAA_companion.sock"},
		UDID:    "AAAA",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
}

func TestCompanionSet_Properties(t *testing.T) {
	t.Run("last_add_per_address_wins", func(t *testing.T) {
		base := t.TempDir()
		logger := newTestLogger(t)
		run := 0

		rapid.Check(t, func(t *rapid.T) {
			run++
			set, err := NewCompanionSet(filepath.Join(base, fmt.Sprintf("companions-%d.json", run)), logger)
			if err != nil {
				t.Fatalf("new companion set: %v", err)
			}
			ctx := context.Background()

			ports := rapid.SliceOfN(rapid.IntRange(10000, 10004), 1, 12).Draw(t, "ports")
			lastUDID := map[int]string{}
			for i, port := range ports {
				udid := fmt.Sprintf("UDID-%d", i)
				err := set.Add(ctx, targets.CompanionInfo{
					Address: targets.TCPAddress{Host: "host", Port: port},
					UDID:    udid,
				})
				if err != nil {
					t.Fatalf("add: %v", err)
				}
				lastUDID[port] = udid
			}

			list, err := set.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != len(lastUDID) {
				t.Fatalf("got %d entries, want %d", len(list), len(lastUDID))
			}
			for _, info := range list {
				port := info.Address.(targets.TCPAddress).Port
				if lastUDID[port] != info.UDID {
					t.Fatalf("port %d has udid %s, want %s", port, info.UDID, lastUDID[port])
				}
			}
		})
	})
}
