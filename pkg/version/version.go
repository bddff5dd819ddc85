package version

// Set via -ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line description of the build.
func String() string {
	return Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
}
