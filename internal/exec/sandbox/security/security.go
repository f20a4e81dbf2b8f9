// Package security defines sandbox isolation and security profiles.
package security

// IsolationProfile describes filesystem, network and syscall confinement for one run.
type IsolationProfile struct {
	// RootFS is an optional extracted runtime bundle used as the sandbox root.
	// Empty means the host root is used.
	RootFS string
	// Image names the container image for the docker backend.
	Image string
	// SeccompProfile is a seccomp allowlist file, resolved against the
	// engine's seccomp directory when relative.
	SeccompProfile string
	DisableNetwork bool
}
