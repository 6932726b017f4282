// Package version carries build identity, stamped via -ldflags.
package version

import (
	"fmt"
	"time"
)

var (
	Version   = "unknown"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildDate time.Time `json:"build_date"`
}

func GetInfo() Info {
	info := Info{
		Version: Version,
		Commit:  Commit,
	}
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		info.BuildDate = t.UTC()
	}
	return info
}

func (i Info) String() string {
	if i.Version == "unknown" {
		return "unknown"
	}
	s := fmt.Sprintf("Version: %s", i.Version)
	if i.Commit != "unknown" && i.Commit != "" {
		s += fmt.Sprintf("\nCommit:  %s", i.Commit)
	}
	if !i.BuildDate.IsZero() {
		s += fmt.Sprintf("\nBuilt:   %s", i.BuildDate.Format("2006-01-02 15:04:05 UTC"))
	}
	return s
}
