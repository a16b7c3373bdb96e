package config

import (
	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml/v2"
)

// WriteExpandedConfig persists the fully merged sections for a workflow
// execution to path as TOML, atomically. The Workflow Runner calls this
// when registering a new workflow definition so the `parameter_values`
// sent to the Monitor has a local, crash-safe copy alongside it.
func WriteExpandedConfig(path string, sections Sections) error {
	data, err := toml.Marshal(map[string]any(sections))
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}
