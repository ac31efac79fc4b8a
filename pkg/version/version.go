package version

import (
	"fmt"
	"runtime"
)

// EmptyValue is what Version is set to in builds that didn't go through
// `make`, such as unit tests.
const EmptyValue = "set-by-make"

// Version is the git tag of the release. Builds of other commits include
// the commit hash as well. It's set with -ldflags.
var Version = EmptyValue

// Info describes the running binary.
type Info struct {
	Version   string
	GoVersion string
	Platform  string
}

// Get returns the Info of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (info Info) String() string {
	return fmt.Sprintf("tbak %s (%s, %s)", info.Version, info.GoVersion, info.Platform)
}
