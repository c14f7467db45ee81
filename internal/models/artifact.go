// -----------------------------------------------------------------------
// Artifact identity - canonical string ids for cached results
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
)

// Artifact identifies a single cached result: a processing-step kind applied
// to a dataset at a revision, optionally narrowed to a config and a split.
type Artifact struct {
	Kind     string
	Dataset  string
	Revision string
	Config   *string
	Split    *string
}

// ID returns the canonical id "kind,dataset,revision[,config[,split]]".
// Missing tail components are omitted.
func (a Artifact) ID() string {
	parts := []string{a.Kind, a.Dataset, a.Revision}
	if a.Config != nil {
		parts = append(parts, *a.Config)
		if a.Split != nil {
			parts = append(parts, *a.Split)
		}
	}
	return strings.Join(parts, ",")
}

// ArtifactID builds the canonical id without going through an Artifact value.
func ArtifactID(kind, dataset, revision string, config, split *string) string {
	return Artifact{Kind: kind, Dataset: dataset, Revision: revision, Config: config, Split: split}.ID()
}

// ParseArtifactID parses a canonical artifact id back into its components.
func ParseArtifactID(id string) (Artifact, error) {
	parts := strings.Split(id, ",")
	if len(parts) < 3 || len(parts) > 5 {
		return Artifact{}, fmt.Errorf("invalid artifact id %q: expected 3 to 5 components", id)
	}
	for _, part := range parts {
		if part == "" {
			return Artifact{}, fmt.Errorf("invalid artifact id %q: empty component", id)
		}
	}
	artifact := Artifact{Kind: parts[0], Dataset: parts[1], Revision: parts[2]}
	if len(parts) > 3 {
		artifact.Config = &parts[3]
	}
	if len(parts) > 4 {
		artifact.Split = &parts[4]
	}
	return artifact, nil
}
