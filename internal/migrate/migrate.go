// Package migrate upgrades versioned on-disk documents (config.toml and the
// voice ledger) one schema step at a time.
//
// Each document kind owns a [Registry]. Loaders call [Registry.Upgrade] with
// the raw bytes and the version they peeked from the document; the registry
// applies every step newer than that version, in order.
package migrate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Step upgrades a document to [Step.Version] from the version before it.
type Step struct {
	// Version is the schema version this step produces.
	Version int
	// Description is a short label written to the log when the step runs.
	Description string
	// Upgrade rewrites the raw document.
	Upgrade func(data []byte) ([]byte, error)
}

// Registry holds the ordered steps for one document kind.
type Registry struct {
	// Name identifies the document kind in log output and errors.
	Name string
	// CurrentVersion is the version that the running binary writes.
	CurrentVersion int

	steps []Step
}

// ///////////////////////////////////////////////
// Registries
// ///////////////////////////////////////////////

// Config upgrades config.toml. Version 1 is the first published layout.
var Config = &Registry{Name: "config", CurrentVersion: 1}

// Ledger upgrades the voice history document. Documents without a
// "$version" key are version 1 (the unversioned map written by older bots);
// the ledger package registers the step to version 2.
var Ledger = &Registry{Name: "ledger", CurrentVersion: 2}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

// Register adds a step. Registering two steps for the same version is a
// programming error and panics.
func (r *Registry) Register(s Step) {
	for _, existing := range r.steps {
		if existing.Version == s.Version {
			panic(fmt.Sprintf("migrate: %s: duplicate step for version %d (%q)", r.Name, s.Version, s.Description))
		}
	}
	r.steps = append(r.steps, s)
	sort.Slice(r.steps, func(i, j int) bool { return r.steps[i].Version < r.steps[j].Version })
}

// Steps returns a copy of the registered steps in version order.
func (r *Registry) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Pending reports whether a document at version from needs any step.
func (r *Registry) Pending(from int) bool {
	for _, s := range r.steps {
		if from < s.Version {
			return true
		}
	}
	return false
}

// Upgrade applies every step newer than from. It returns the rewritten
// document and the version reached. A document newer than
// [Registry.CurrentVersion] is rejected so an old binary never rewrites a
// file it does not understand.
func (r *Registry) Upgrade(data []byte, from int) ([]byte, int, error) {
	if from > r.CurrentVersion {
		return nil, from, fmt.Errorf("%s version %d is newer than supported version %d", r.Name, from, r.CurrentVersion)
	}
	version := from
	for _, s := range r.steps {
		if version >= s.Version {
			continue
		}
		slog.Info("applying migration", "document", r.Name, "version", s.Version, "description", s.Description)
		out, err := s.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("%s migration to v%d failed: %w", r.Name, s.Version, err)
		}
		data = out
		version = s.Version
	}
	return data, version, nil
}

// ///////////////////////////////////////////////
// Version peeking
// ///////////////////////////////////////////////

// PeekJSONVersion reads the top-level "$version" number of a JSON object.
// A missing key means version 1. Non-object documents are an error.
func PeekJSONVersion(data []byte) (int, error) {
	var head struct {
		Version *int `json:"$version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("peek version: %w", err)
	}
	if head.Version == nil {
		return 1, nil
	}
	return *head.Version, nil
}
