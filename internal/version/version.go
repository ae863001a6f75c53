// Package version carries build information stamped in with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/structlink/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/structlink/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/structlink/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line version banner.
func String() string {
	return "structlink " + Version + " (" + Commit + ") built " + BuildTime
}

// LogAttrs returns the build information as slog key/value pairs.
func LogAttrs() []any {
	return []any{"version", Version, "commit", Commit, "built", BuildTime}
}
