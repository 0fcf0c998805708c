// Package vars holds build-time variables populated via the linker (ldflags).
// Builds without ldflags fall back to the VCS stamp recorded by the Go toolchain.
package vars

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

// License of the project
const License = "AGPL-3.0"

var (
	// Name of the project
	Name = "Meridian"

	// Version is the git tag, e.g. v1.2.3
	Version = "dev"

	// Commit is the full git SHA
	Commit = "unknown"

	// Revision is the count of commits
	Revision = 0

	// BuildTime in UTC
	BuildTime = time.Unix(0, 0).UTC()

	// URL of the repository
	URL = "https://github.com/woozymasta/meridian"

	_revision  string
	_buildTime string
)

// BuildInfo is the build metadata exposed by /api/version.
type BuildInfo struct {
	// betteralign:ignore

	// Project name
	Name string `json:"name" example:"Meridian"`

	// Version of application (git tag) semver/tag, e.g. v1.2.3
	Version string `json:"version" example:"v1.2.3"`

	// Current git commit, full or short git SHA
	Commit string `json:"commit" example:"da15c174cd2ada1ad247906536c101e8f6799def"`

	// Current git commit short SHA
	CommitShort string `json:"commit_short,omitempty" example:"da15c17"`

	// Revision build, count of commits
	Revision int `json:"revision,omitempty" example:"1337"`

	// Time of start build app, RFC3339 UTC
	BuildTime time.Time `json:"build_time,omitempty" example:"1970-01-01T00:00:00Z"`

	// Go toolchain the binary was built with
	GoVersion string `json:"go_version" example:"go1.25.5"`

	// URL to repository (https)
	URL string `json:"url,omitempty" example:"https://github.com/woozymasta/meridian"`

	// License
	License string `json:"license,omitempty" example:"AGPL-3.0"`
}

func init() {
	if n, err := strconv.Atoi(_revision); err == nil {
		Revision = n
	}
	if t, err := time.Parse(time.RFC3339, _buildTime); err == nil {
		BuildTime = t.UTC()
	}

	if Commit == "unknown" {
		fromBuildInfo()
	}
}

// fromBuildInfo fills Commit and BuildTime from the vcs settings of a
// plain `go build` inside a checkout.
func fromBuildInfo() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			Commit = s.Value
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil && _buildTime == "" {
				BuildTime = t.UTC()
			}
		}
	}
}

// Print writes the build information to the standard output.
func Print() {
	i := Info()
	fmt.Printf("%s %s (%s, r%d)\n", i.Name, i.Version, i.CommitShort, i.Revision)
	fmt.Printf("  binary:  %s\n", os.Args[0])
	fmt.Printf("  built:   %s with %s\n", i.BuildTime.Format(time.RFC3339), i.GoVersion)
	fmt.Printf("  source:  %s\n", i.URL)
	fmt.Printf("  license: %s\n", i.License)
}

// Info returns the build metadata.
func Info() BuildInfo {
	return BuildInfo{
		Name:        Name,
		Version:     Version,
		Commit:      Commit,
		CommitShort: CommitShort(),
		Revision:    Revision,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
		URL:         URL,
		License:     License,
	}
}

// UserAgent is sent with GeoIP downloads.
func UserAgent() string {
	return Name + "/" + Version + " (+" + URL + ")"
}

// CommitShort returns the first 7 characters of the git commit hash.
func CommitShort() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}

	return Commit
}
