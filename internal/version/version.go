// Package version reports build metadata. The variables are set with
// -ldflags "-X github.com/banshee-data/serial-sensors/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String describes the build, falling back to the module version recorded
// by `go install` when no version was linked in.
func String() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return fmt.Sprintf("%s (%s, built %s) %s/%s", v, GitSHA, BuildTime, runtime.GOOS, runtime.GOARCH)
}
