package domain

import "time"

// NetworkPolicy restricts a sandbox's network reach.
type NetworkPolicy struct {
	Mode         string
	AllowedHosts []string
	DNSServers   []string
}

// FilesystemPolicy restricts a sandbox's filesystem surface.
type FilesystemPolicy struct {
	ReadOnlyRoot  bool
	TmpfsSizeMB   int64
	WritablePaths []string
	MaskedPaths   []string
}

// ProcessPolicy restricts process-level capabilities inside a sandbox.
type ProcessPolicy struct {
	CapDrop         []string
	CapAdd          []string
	NoNewPrivileges bool
	SeccompProfile  string
	AppArmorProfile string
	SELinuxLabel    string
	MaxPids         int
}

// IsolationPolicy is a named bundle of sandbox restrictions. Policies are
// immutable once registered; re-registration under the same name replaces the
// whole bundle.
type IsolationPolicy struct {
	Name         string
	Description  string
	Network      NetworkPolicy
	Filesystem   FilesystemPolicy
	Process      ProcessPolicy
	Resources    ResourceLimits
	MonitorUsage bool
	Fingerprint  string
	RegisteredAt time.Time
}

// IsolatedContainer binds a sandbox to the policy it was created under.
type IsolatedContainer struct {
	ID         string
	SandboxID  string
	Image      string
	PolicyName string
	CreatedAt  time.Time
}
