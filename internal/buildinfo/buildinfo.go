// Package buildinfo stores build-time metadata shared across packages.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set via ldflags during build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the build metadata printed by `tether version`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Current returns the build metadata of the running binary.
func Current() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders a one-line version banner.
func (i Info) String() string {
	return fmt.Sprintf("tether %s (%s, %s) %s %s", i.Version, i.Commit, i.Date, i.GoVersion, i.Platform)
}
