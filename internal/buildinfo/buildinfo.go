package buildinfo

import "time"

// Stamped with -ldflags "-X github.com/orthodoxmetrics/recordsgo/internal/buildinfo.Commit=..."
var (
	Commit    string
	BuiltAt   string
	StartedAt = time.Now().UTC()
)

// Info is the build and process identity reported by health checks
type Info struct {
	Commit    string `json:"commit"`
	BuiltAt   string `json:"builtAt"`
	StartedAt string `json:"startedAt"`
}

// Current returns the stamped build info, "dev" when unstamped
func Current() Info {
	commit := Commit
	if commit == "" {
		commit = "dev"
	}
	return Info{
		Commit:    commit,
		BuiltAt:   BuiltAt,
		StartedAt: StartedAt.Format(time.RFC3339),
	}
}
