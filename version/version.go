// Package version reports which build of cadenza is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// You can set the version at build time using something like:
// go build -ldflags "-X github.com/cadenzaio/cadenza/version.Version=$(git describe --dirty)"

var Version string

// Info is what the CLI, the diagnostics bundle and the IPC bridge report.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

var Hash = func() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return vcsHash(info.Settings)
	}
	return ""
}()

var VersionOrHash = func() string {
	if Version != "" {
		return Version
	}
	if Hash != "" {
		return Hash
	}
	return "dev"
}()

func Get() Info {
	return Info{
		Version:   VersionOrHash,
		Commit:    Hash,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	if i.Commit != "" && i.Commit != i.Version {
		return fmt.Sprintf("cadenza %s (%s, %s, %s)", i.Version, i.Commit, i.GoVersion, i.Platform)
	}
	return fmt.Sprintf("cadenza %s (%s, %s)", i.Version, i.GoVersion, i.Platform)
}

func vcsHash(settings []debug.BuildSetting) string {
	modified := false
	for _, setting := range settings {
		if setting.Key == "vcs.modified" && setting.Value == "true" {
			modified = true
			break
		}
	}
	for _, setting := range settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			shortHash := setting.Value[:7]
			if modified {
				return shortHash + "-dirty"
			}
			return shortHash
		}
	}
	return ""
}
