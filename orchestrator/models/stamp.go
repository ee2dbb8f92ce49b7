package models

import (
	"encoding/json"
	"io"

	"github.com/carlmjohnson/versioninfo"
)

// Stamp is the provenance record a build job writes into its output
// before persisting it. Consumed by observability tooling only; the
// scheduler never reads it.
type Stamp struct {
	Commit  string `json:"commit"`
	Version string `json:"version"`
	Source  string `json:"source"`
	Build   string `json:"build"`
}

// NewStamp fills commit and version from the binary's own build info.
func NewStamp(source, build string) Stamp {
	return Stamp{
		Commit:  versioninfo.Revision,
		Version: versioninfo.Short(),
		Source:  source,
		Build:   build,
	}
}

// Encode writes the stamp as indented JSON.
func (s Stamp) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
