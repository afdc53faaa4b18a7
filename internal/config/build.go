package config

// Set at link time:
//
//	go build -ldflags "-X crewdesk/internal/config.version=$(git describe --tags) \
//	    -X crewdesk/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X crewdesk/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

// String renders the build as "version (commit, buildTime)" for startup logs.
func (b BuildInfo) String() string {
	return b.Version + " (" + b.Commit + ", " + b.BuildTime + ")"
}
