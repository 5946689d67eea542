package version

// Injected at build time via -ldflags.
var (
	semver   = "0.1.0"
	revision = "unknown"
)

// Get returns the release version.
func Get() string {
	return semver
}

// Commit returns the git revision the binary was built from.
func Commit() string {
	return revision
}
