package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tatzyr/idb/pkg/companion"
	"github.com/tatzyr/idb/pkg/control"
	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/process"
	"github.com/tatzyr/idb/pkg/targets"

	"golang.org/x/sync/errgroup"
)

// Registry is the durable companion set shared across fleet manager
// instances and process restarts.
type Registry interface {
	Add(ctx context.Context, info targets.CompanionInfo) error
	Remove(ctx context.Context, address targets.Address) error
	List(ctx context.Context) ([]targets.CompanionInfo, error)
	Clear(ctx context.Context) ([]targets.CompanionInfo, error)
}

// Dialer opens scoped connections to companions.
type Dialer interface {
	Open(ctx context.Context, address targets.Address) (control.Channel, error)
}

// LocalEnumerator lists the devices attached to this host. It never reports
// devices reachable only through a remote companion.
type LocalEnumerator interface {
	ListLocalTargets(ctx context.Context, only targets.TargetType) ([]targets.TargetDescription, error)
}

// Launcher starts companion server processes.
type Launcher interface {
	SpawnServer(ctx context.Context, config companion.ServerConfig, address targets.Address) (int, targets.Address, error)
}

// ManagerConfig wires the fleet manager's collaborators.
type ManagerConfig struct {
	Registry   Registry
	Dialer     Dialer
	Enumerator LocalEnumerator
	Launcher   Launcher

	// BaseDir holds spawned companion sockets; created on construction.
	// Empty means the default companion base directory.
	BaseDir string

	// PruneDeadCompanions removes registry entries whose describe fails
	// during ListTargets. Pointer to distinguish unset from false; defaults
	// to true.
	PruneDeadCompanions *bool

	Logger logging.Logger
}

// Manager resolves device ids to live companion connections and owns the
// lifecycle of the companions it spawns. The registry is the only shared
// mutable state; everything else is assembled per call.
type Manager struct {
	registry   Registry
	dialer     Dialer
	enumerator LocalEnumerator
	launcher   Launcher
	paths      *companion.PathManager
	prune      bool
	logger     logging.Logger

	// Serializes spawns per udid so concurrent resolves cannot double-spawn
	spawnMu    sync.Mutex
	spawnLocks map[string]*sync.Mutex

	terminate func(pid int, logger logging.Logger) error
}

// NewManager creates a fleet manager and ensures its base directory exists.
// Enumerator and Launcher may both be nil: such a manager cannot spawn but
// still serves registered companions.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Registry == nil {
		return nil, errors.NewValidationError("fleet manager requires a registry", nil)
	}
	if config.Dialer == nil {
		return nil, errors.NewValidationError("fleet manager requires a dialer", nil)
	}
	if config.Logger == nil {
		return nil, errors.NewValidationError("fleet manager requires a logger", nil)
	}
	if (config.Launcher == nil) != (config.Enumerator == nil) {
		return nil, errors.NewValidationError("launcher and local enumerator must be configured together", nil)
	}

	paths := companion.NewPathManager(companion.PathConfig{BaseDirectory: config.BaseDir}, config.Logger)
	if err := paths.EnsureBaseDirectory(); err != nil {
		return nil, err
	}

	prune := true
	if config.PruneDeadCompanions != nil {
		prune = *config.PruneDeadCompanions
	}

	return &Manager{
		registry:   config.Registry,
		dialer:     config.Dialer,
		enumerator: config.Enumerator,
		launcher:   config.Launcher,
		paths:      paths,
		prune:      prune,
		logger:     config.Logger,
		spawnLocks: make(map[string]*sync.Mutex),
		terminate:  process.Kill,
	}, nil
}

// Resolve returns a live connection for the given udid together with the
// registry entry it came from. The caller owns the channel and must close
// it. An empty udid resolves to the sole known companion when there is
// exactly one.
func (m *Manager) Resolve(ctx context.Context, udid string) (control.Channel, *targets.CompanionInfo, error) {
	companions, err := m.registry.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	byUDID := companionsByUDID(companions)

	if udid != "" {
		if info, ok := byUDID[udid]; ok {
			return m.openCompanion(ctx, info)
		}
		info, err := m.Spawn(ctx, udid)
		if err != nil {
			return nil, nil, err
		}
		return m.openCompanion(ctx, *info)
	}

	switch len(byUDID) {
	case 0:
		return nil, nil, errors.NewNoTargetError(nil)
	case 1:
		var sole targets.CompanionInfo
		for _, info := range byUDID {
			sole = info
		}
		return m.openCompanion(ctx, sole)
	default:
		return nil, nil, errors.NewAmbiguousTargetError(sortedUDIDs(byUDID))
	}
}

// Describe resolves the udid and asks its companion to report the device
// it controls.
func (m *Manager) Describe(ctx context.Context, udid string) (*targets.TargetDescription, error) {
	channel, info, err := m.Resolve(ctx, udid)
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	target, err := channel.Describe(ctx)
	if err != nil {
		return nil, err
	}
	target.IsLocal = info.IsLocal
	return target, nil
}

// Spawn starts a local companion for the udid on its deterministic domain
// socket, registers it, and returns the registry entry. Concurrent spawns
// for one udid are serialized; the loser reuses the winner's companion
// instead of double-spawning.
func (m *Manager) Spawn(ctx context.Context, udid string) (*targets.CompanionInfo, error) {
	if m.launcher == nil {
		return nil, errors.NewNoLauncherError(udid)
	}

	unlock := m.lockSpawn(udid)
	defer unlock()

	// A concurrent spawn may have won while we waited for the lock
	companions, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range companions {
		if info.UDID == udid {
			m.logger.Debugf("Reusing registered companion, udid: %s, address: %s", udid, info.Address)
			return &info, nil
		}
	}

	only, err := m.localTargetType(ctx, udid)
	if err != nil {
		return nil, err
	}

	address := targets.DomainSocketAddress{Path: m.paths.GenerateSocketPath(udid)}

	pid, bound, err := m.launcher.SpawnServer(ctx, companion.ServerConfig{
		UDID:     udid,
		Only:     only,
		Reparent: true,
	}, address)
	if err != nil {
		return nil, errors.NewSpawnError(udid, err)
	}

	info := targets.CompanionInfo{
		Address: bound,
		UDID:    udid,
		IsLocal: true,
		PID:     &pid,
	}
	if err := m.registry.Add(ctx, info); err != nil {
		// The server came up but cannot be recorded; do not leak it
		if killErr := m.terminate(pid, m.logger); killErr != nil {
			m.logger.Warnf("Failed to kill unregistered companion, udid: %s, PID: %d, error: %v", udid, pid, killErr)
		}
		return nil, err
	}

	m.logger.Infof("Spawned companion, udid: %s, address: %s, PID: %d", udid, bound, pid)
	return &info, nil
}

// ListTargets merges the devices visible on this host with the devices
// behind registered companions into one list, deduplicated by udid. One
// unreachable companion never fails the listing.
func (m *Manager) ListTargets(ctx context.Context, only targets.TargetType) ([]targets.TargetDescription, error) {
	var (
		local      []targets.TargetDescription
		companions []targets.CompanionInfo
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if m.enumerator == nil {
			return nil
		}
		list, err := m.enumerator.ListLocalTargets(groupCtx, only)
		if err != nil {
			return err
		}
		local = list
		return nil
	})
	group.Go(func() error {
		list, err := m.registry.List(groupCtx)
		if err != nil {
			return err
		}
		companions = list
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	connected, err := m.describeAll(ctx, companions)
	if err != nil {
		return nil, err
	}

	merged := targets.MergeTargets(local, connected)
	return targets.FilterTargets(merged, only), nil
}

// Connect registers a companion. An address destination is dialed and
// described to learn the device it controls; a device id destination reuses
// the registered companion for that device or spawns one.
func (m *Manager) Connect(ctx context.Context, destination targets.Destination, metadata map[string]string) (*targets.CompanionInfo, error) {
	switch dest := destination.(type) {
	case targets.Address:
		return m.connectToAddress(ctx, dest, metadata)
	case targets.DeviceID:
		return m.connectToUDID(ctx, string(dest))
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported destination: %v", destination), nil)
	}
}

// Disconnect forgets a companion. A device id destination removes every
// address registered for that device. Disconnecting something that is not
// registered is not an error.
func (m *Manager) Disconnect(ctx context.Context, destination targets.Destination) error {
	switch dest := destination.(type) {
	case targets.Address:
		return m.registry.Remove(ctx, dest)
	case targets.DeviceID:
		companions, err := m.registry.List(ctx)
		if err != nil {
			return err
		}
		for _, info := range companions {
			if info.UDID != string(dest) {
				continue
			}
			if err := m.registry.Remove(ctx, info.Address); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported destination: %v", destination), nil)
	}
}

// Kill atomically clears the registry and terminates every companion this
// manager spawned. Companions registered without a pid are forgotten but
// left running; this manager never kills processes it did not start.
// Individual termination failures are collected, never raised mid-sweep.
func (m *Manager) Kill(ctx context.Context) error {
	removed, err := m.registry.Clear(ctx)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	for _, info := range removed {
		if info.PID == nil {
			m.logger.Debugf("Forgetting external companion, udid: %s, address: %s", info.UDID, info.Address)
			continue
		}
		m.logger.Infof("Killing companion, udid: %s, PID: %d", info.UDID, *info.PID)
		if err := m.terminate(*info.PID, m.logger); err != nil {
			m.logger.Errorf("Failed to kill companion, udid: %s, PID: %d, error: %v", info.UDID, *info.PID, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// CompanionHealth reports the outcome of one companion liveness probe.
type CompanionHealth struct {
	Companion targets.CompanionInfo
	Target    *targets.TargetDescription
	Err       error
}

// CheckHealth probes every registered companion concurrently, without
// mutating the registry. Diagnostics only: dead companions stay registered.
func (m *Manager) CheckHealth(ctx context.Context) ([]CompanionHealth, error) {
	companions, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	health := make([]CompanionHealth, len(companions))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, info := range companions {
		group.Go(func() error {
			target, err := m.describeOnce(groupCtx, info)
			health[i] = CompanionHealth{Companion: info, Target: target, Err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("health check aborted", err)
	}
	return health, nil
}

func (m *Manager) connectToAddress(ctx context.Context, address targets.Address, metadata map[string]string) (*targets.CompanionInfo, error) {
	channel, err := m.dialer.Open(ctx, address)
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	target, err := channel.Describe(ctx)
	if err != nil {
		return nil, err
	}

	info := targets.CompanionInfo{
		Address: address,
		UDID:    target.UDID,
		// A companion behind a domain socket runs on this host
		IsLocal:  isSocketAddress(address),
		Metadata: metadata,
	}
	if err := m.registry.Add(ctx, info); err != nil {
		return nil, err
	}

	m.logger.Infof("Connected companion, udid: %s, address: %s", info.UDID, address)
	return &info, nil
}

func (m *Manager) connectToUDID(ctx context.Context, udid string) (*targets.CompanionInfo, error) {
	companions, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range companions {
		if info.UDID == udid {
			return &info, nil
		}
	}
	return m.Spawn(ctx, udid)
}

func (m *Manager) openCompanion(ctx context.Context, info targets.CompanionInfo) (control.Channel, *targets.CompanionInfo, error) {
	channel, err := m.dialer.Open(ctx, info.Address)
	if err != nil {
		return nil, nil, err
	}
	return channel, &info, nil
}

// describeAll fans out describe calls over all registered companions and
// returns the reported targets. Unreachable companions are pruned from the
// registry unless pruning is disabled, in which case they are kept and
// logged; either way they just drop out of the result.
func (m *Manager) describeAll(ctx context.Context, companions []targets.CompanionInfo) ([]targets.TargetDescription, error) {
	described := make([]*targets.TargetDescription, len(companions))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, info := range companions {
		group.Go(func() error {
			target, err := m.describeCompanion(groupCtx, info)
			if err != nil {
				return err
			}
			described[i] = target
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	connected := make([]targets.TargetDescription, 0, len(companions))
	for _, target := range described {
		if target != nil {
			connected = append(connected, *target)
		}
	}
	return connected, nil
}

func (m *Manager) describeCompanion(ctx context.Context, info targets.CompanionInfo) (*targets.TargetDescription, error) {
	target, err := m.describeOnce(ctx, info)
	if err == nil {
		return target, nil
	}
	if ctx.Err() != nil {
		// The caller abandoned the listing; this says nothing about the companion
		return nil, errors.NewCancelledError("target listing aborted", ctx.Err())
	}
	if !m.prune {
		m.logger.Warnf("Companion is unreachable, keeping registry entry, udid: %s, address: %s, error: %v", info.UDID, info.Address, err)
		return nil, nil
	}
	m.logger.Warnf("Companion is unreachable, pruning registry entry, udid: %s, address: %s, error: %v", info.UDID, info.Address, err)
	if removeErr := m.registry.Remove(ctx, info.Address); removeErr != nil {
		return nil, removeErr
	}
	return nil, nil
}

// describeOnce opens a scoped connection to one companion, asks it to
// describe its target, and stamps the locality the registry knows about
// onto the report.
func (m *Manager) describeOnce(ctx context.Context, info targets.CompanionInfo) (*targets.TargetDescription, error) {
	channel, err := m.dialer.Open(ctx, info.Address)
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	target, err := channel.Describe(ctx)
	if err != nil {
		return nil, err
	}

	target.IsLocal = info.IsLocal
	return target, nil
}

// localTargetType resolves the type filter a spawned companion runs under.
// The host id maps straight to the mac type; every other id must be visible
// to the local enumerator.
func (m *Manager) localTargetType(ctx context.Context, udid string) (targets.TargetType, error) {
	if udid == targets.HostUDID {
		return targets.TargetTypeMac, nil
	}

	list, err := m.enumerator.ListLocalTargets(ctx, "")
	if err != nil {
		return "", err
	}

	known := make([]string, 0, len(list))
	for _, target := range list {
		if target.UDID == udid {
			return target.TargetType, nil
		}
		known = append(known, target.UDID)
	}
	return "", errors.NewUnknownDeviceError(udid, known)
}

func (m *Manager) lockSpawn(udid string) func() {
	m.spawnMu.Lock()
	lock, ok := m.spawnLocks[udid]
	if !ok {
		lock = &sync.Mutex{}
		m.spawnLocks[udid] = lock
	}
	m.spawnMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func companionsByUDID(companions []targets.CompanionInfo) map[string]targets.CompanionInfo {
	byUDID := make(map[string]targets.CompanionInfo, len(companions))
	for _, info := range companions {
		byUDID[info.UDID] = info
	}
	return byUDID
}

func sortedUDIDs(byUDID map[string]targets.CompanionInfo) []string {
	udids := make([]string, 0, len(byUDID))
	for udid := range byUDID {
		udids = append(udids, udid)
	}
	sort.Strings(udids)
	return udids
}

func isSocketAddress(address targets.Address) bool {
	_, ok := address.(targets.DomainSocketAddress)
	return ok
}
