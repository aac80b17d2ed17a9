package version

import (
	"fmt"

	"github.com/Masterminds/semver"
)

var (
	// Version contains the current version of netwatchd
	Version = "dev"

	// CommitHash contains the current git commit hash
	CommitHash = "unknown"

	// BuildTime contains the time of build
	BuildTime = "unknown"
)

// Info is the JSON shape served by the API.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commitHash"`
	BuildTime  string `json:"buildTime"`
	Release    bool   `json:"release"`
}

// Semver parses Version. Development builds return nil.
func Semver() *semver.Version {
	v, err := semver.NewVersion(Version)
	if err != nil {
		return nil
	}
	return v
}

func Get() Info {
	info := Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
	}
	if v := Semver(); v != nil {
		info.Version = v.String()
		info.Release = v.Prerelease() == ""
	}
	return info
}

func String() string {
	info := Get()
	return fmt.Sprintf("version %s (commit: %s, built at: %s)", info.Version, info.CommitHash, info.BuildTime)
}
