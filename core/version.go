package core

// Build metadata, injected with:
//
//	go build -ldflags "-X kontextworker/core.Version=$(git describe --tags --always) -X kontextworker/core.GitCommit=$(git rev-parse --short HEAD)" .
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetVersionInfo returns a formatted version information string, for example
// "v1.0.0 (built 2024-01-15T10:30:00Z, commit abc1234)".
func GetVersionInfo() string {
	return Version + " (built " + BuildTime + ", commit " + GitCommit + ")"
}
