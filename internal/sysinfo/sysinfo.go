// Package sysinfo describes the running process for status output.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the release version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/tcp-forward/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	startTime = time.Now()

	versionOnce sync.Once
	version     string
)

// Info describes the running process.
type Info struct {
	Version   string    `json:"version"`
	Hostname  string    `json:"hostname"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	GoVersion string    `json:"go_version"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`

	// Kernel is the kernel release where the platform exposes it.
	Kernel string `json:"kernel,omitempty"`

	// FileLimit is the soft open-file limit. Every tunneled connection holds at least
	// two descriptors on the relay.
	FileLimit uint64 `json:"file_limit,omitempty"`
}

// Collect gathers the process information.
func Collect() Info {
	hostname, _ := os.Hostname()
	return Info{
		Version:   ResolvedVersion(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
		StartTime: startTime,
		Kernel:    kernelRelease(),
		FileLimit: fileLimit(),
	}
}

// ResolvedVersion returns Version, or for development builds "dev-" followed by the VCS
// revision recorded in the build info.
func ResolvedVersion() string {
	versionOnce.Do(func() {
		version = resolve(Version)
	})
	return version
}

func resolve(v string) string {
	if v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return v
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	v = "dev-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the time since start.
func Uptime() time.Duration {
	return time.Since(startTime)
}
