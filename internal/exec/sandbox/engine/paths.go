package engine

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"runbox/internal/exec/sandbox/spec"
)

// resolveHostPath maps a container path back to its host location using the
// bind mounts. Paths outside every mount pass through unchanged.
func resolveHostPath(containerPath string, mounts []spec.MountSpec) string {
	if containerPath == "" {
		return ""
	}
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			continue
		}
		if containerPath == m.Target {
			return m.Source
		}
		prefix := strings.TrimSuffix(m.Target, "/") + "/"
		if strings.HasPrefix(containerPath, prefix) {
			return filepath.Join(m.Source, strings.TrimPrefix(containerPath, prefix))
		}
	}
	return containerPath
}

func readLimitedFile(path string, maxBytes int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

func fileSizeKB(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size() / 1024
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
