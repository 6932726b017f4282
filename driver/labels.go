package driver

import "strconv"

// Label keys stamped onto every container, volume and network bay
// creates. The GC trusts these labels and nothing else, so the keys are
// load-bearing: changing one orphans every resource created before.
const (
	LabelOwner         = "owner"
	LabelSandboxID     = "sandbox_id"
	LabelSessionID     = "session_id"
	LabelCargoID       = "cargo_id"
	LabelProfileID     = "profile_id"
	LabelRuntimePort   = "runtime_port"
	LabelInstanceID    = "instance_id"
	LabelManaged       = "managed"
	LabelContainerName = "container_name"
	LabelRuntimeType   = "runtime_type"

	// ManagedValue is the literal every managed resource carries.
	ManagedValue = "true"
)

// Labels collects the values stamped onto driver resources. Zero-value
// fields are left off the resulting map.
type Labels struct {
	Owner         string
	SandboxID     string
	SessionID     string
	CargoID       string
	ProfileID     string
	RuntimePort   int
	InstanceID    string
	ContainerName string
	RuntimeType   string
}

func (l Labels) Map() map[string]string {
	m := map[string]string{
		LabelManaged: ManagedValue,
	}
	if l.Owner != "" {
		m[LabelOwner] = l.Owner
	}
	if l.SandboxID != "" {
		m[LabelSandboxID] = l.SandboxID
	}
	if l.SessionID != "" {
		m[LabelSessionID] = l.SessionID
	}
	if l.CargoID != "" {
		m[LabelCargoID] = l.CargoID
	}
	if l.ProfileID != "" {
		m[LabelProfileID] = l.ProfileID
	}
	if l.RuntimePort != 0 {
		m[LabelRuntimePort] = strconv.Itoa(l.RuntimePort)
	}
	if l.InstanceID != "" {
		m[LabelInstanceID] = l.InstanceID
	}
	if l.ContainerName != "" {
		m[LabelContainerName] = l.ContainerName
	}
	if l.RuntimeType != "" {
		m[LabelRuntimeType] = l.RuntimeType
	}
	return m
}

// MatchLabels reports whether have carries every key/value in want.
func MatchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
