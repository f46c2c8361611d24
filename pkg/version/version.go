package version

import "runtime"

// Populated at build time via -ldflags:
//
//	-X github.com/ixy-languages/ixy-ci/pkg/version.gitCommit=$(git rev-parse HEAD)
//	-X github.com/ixy-languages/ixy-ci/pkg/version.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)
var (
	gitCommit = "unknown"
	buildDate = "unknown"
)

type Info struct {
	GitCommit string `json:"gitCommit" yaml:"gitCommit"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
	Platform  string `json:"platform" yaml:"platform"`
}

func Get() Info {
	return Info{
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
