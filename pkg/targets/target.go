package targets

// TargetType classifies a controllable device.
type TargetType string

const (
	TargetTypeSimulator TargetType = "simulator"
	TargetTypeDevice    TargetType = "device"
	TargetTypeMac       TargetType = "mac"
)

// HostUDID is the reserved device id for the host machine itself. Its
// target type is always TargetTypeMac; resolving it never consults the
// local enumerator.
const HostUDID = "mac"

// StateBooted is the State a running target reports.
const StateBooted = "Booted"

// TargetDescription describes one controllable device, as reported either
// by the local enumerator or by a live companion's describe call. IsLocal
// is not part of the companion wire report; the fleet manager stamps it
// from the registry record before merging.
type TargetDescription struct {
	UDID         string     `json:"udid" cbor:"udid"`
	Name         string     `json:"name,omitempty" cbor:"name,omitempty"`
	State        string     `json:"state,omitempty" cbor:"state,omitempty"`
	TargetType   TargetType `json:"type,omitempty" cbor:"type,omitempty"`
	OSVersion    string     `json:"os_version,omitempty" cbor:"os_version,omitempty"`
	Architecture string     `json:"architecture,omitempty" cbor:"architecture,omitempty"`
	Model        string     `json:"model,omitempty" cbor:"model,omitempty"`
	IsLocal      bool       `json:"is_local,omitempty" cbor:"is_local,omitempty"`
}

// CompanionInfo is the registry record for one known companion.
// PID is set iff this fleet manager spawned the companion process itself;
// companions registered from outside carry no PID and are never killed.
type CompanionInfo struct {
	Address  Address
	UDID     string
	IsLocal  bool
	PID      *int
	Metadata map[string]string
}

// FilterTargets returns only the targets matching the given type.
// An empty filter matches everything.
func FilterTargets(list []TargetDescription, only TargetType) []TargetDescription {
	if only == "" {
		return list
	}
	filtered := make([]TargetDescription, 0, len(list))
	for _, target := range list {
		if target.TargetType == only {
			filtered = append(filtered, target)
		}
	}
	return filtered
}
