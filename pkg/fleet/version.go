package fleet

import "os"

// Build-time metadata, stamped with -ldflags.
var (
	Version = "0.0.0-dev"
	Commit  = ""
)

// VersionEnv overrides the reported version at run time.
const VersionEnv = "LAZY_BLACKTEA_VERSION"

// VersionString is the version the CLI and hosts report.
func VersionString() string {
	if v := os.Getenv(VersionEnv); v != "" {
		return v
	}
	if Commit != "" {
		return Version + "+" + Commit
	}
	return Version
}
