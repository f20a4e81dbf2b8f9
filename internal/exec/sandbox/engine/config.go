package engine

const (
	BackendLinux  = "linux"
	BackendDocker = "docker"
)

const defaultStdoutStderrMaxBytes int64 = 64 * 1024

// Config controls sandbox engine behavior.
type Config struct {
	// Backend selects the isolation backend, BackendLinux by default.
	Backend              string
	CgroupRoot           string
	SeccompDir           string
	HelperPath           string
	StdoutStderrMaxBytes int64
	EnableSeccomp        bool
	EnableCgroup         bool
	EnableNamespaces     bool

	// Docker backend settings.
	DockerImage    string
	DockerNanoCPUs int64
}
