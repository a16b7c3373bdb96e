// Package config implements the layered TOML configuration loader of
// spec §4.4.1: a main workflow file, its `[workflow].includes`, the
// testbed config, and CLI overrides, merged section by section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/fsutil"
)

// Sections is a parsed TOML document as a map of section name to its
// key/value table. Scalars outside any table are not used by this system
// (every meaningful value lives under a `[section]`).
type Sections map[string]map[string]any

// TestbedConfig is the resolved `[testbed]` + `[agents.*]` document every
// agent loads at startup.
type TestbedConfig struct {
	Namespace string
	Agents    map[string]AgentConfig
	Sections  Sections
}

// AgentConfig is one `[agents.<name>]` table.
type AgentConfig struct {
	Enabled bool
}

// LoadTestbedConfig parses the testbed TOML file at path and extracts the
// namespace and per-agent enablement. A missing `[testbed].namespace` is a
// ConfigError per §7 (fail fast at startup).
func LoadTestbedConfig(path string) (*TestbedConfig, error) {
	sections, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	testbed, ok := sections["testbed"]
	if !ok {
		return nil, core.ErrConfig(core.CodeMissingNamespace, "testbed config is missing [testbed] section")
	}
	namespace, _ := testbed["namespace"].(string)
	if namespace == "" {
		return nil, core.ErrConfig(core.CodeMissingNamespace, "[testbed].namespace is required")
	}

	agents := make(map[string]AgentConfig)
	for name, table := range sections {
		const prefix = "agents."
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		agentName := name[len(prefix):]
		enabled, _ := table["enabled"].(bool)
		agents[agentName] = AgentConfig{Enabled: enabled}
	}

	return &TestbedConfig{Namespace: namespace, Agents: agents, Sections: sections}, nil
}

// WorkflowConfig is the fully expanded configuration handed to an
// executor: every section from the main file, its includes, and the
// testbed/CLI overlays, merged per §4.4.1.
type WorkflowConfig struct {
	Name     string
	Version  string
	Sections Sections
}

// LoadWorkflowConfig resolves `<workflowName>_<configName|default>.toml`
// under dir, applies includes, the testbed config's sections, and CLI
// overrides, and returns the merged result. overrides maps section name
// to the keys a CLI invocation wants to force, and is applied last.
func LoadWorkflowConfig(dir, workflowName, configName string, testbed *TestbedConfig, overrides Sections) (*WorkflowConfig, error) {
	if configName == "" {
		configName = "default"
	}
	mainPath := filepath.Join(dir, fmt.Sprintf("%s_%s.toml", workflowName, configName))

	main, err := parseFile(mainPath)
	if err != nil {
		return nil, err
	}

	workflowSection, ok := main["workflow"]
	if !ok {
		return nil, core.ErrConfig(core.CodeMissingWorkflow, fmt.Sprintf("%s is missing [workflow] section", mainPath))
	}
	name, _ := workflowSection["name"].(string)
	version, _ := workflowSection["version"].(string)
	if name == "" {
		name = workflowName
	}

	merged := make(Sections)
	for section, table := range main {
		merged[section] = cloneTable(table)
	}

	// Step 2-3: includes. Main wins on section-name collision — a section
	// already present in the main file is never touched by an include.
	includeNames, _ := toStringSlice(workflowSection["includes"])
	sort.Strings(includeNames) // deterministic merge order regardless of TOML array order
	for _, includeName := range includeNames {
		includePath := filepath.Join(dir, includeName)
		included, err := parseFile(includePath)
		if err != nil {
			return nil, core.ErrConfig(core.CodeMissingInclude, fmt.Sprintf("cannot load include %s: %v", includeName, err)).WithCause(err)
		}
		for section, table := range included {
			if _, exists := merged[section]; exists {
				continue
			}
			merged[section] = cloneTable(table)
		}
	}

	// Step 4: testbed overrides. For a section present in both, merge
	// keys (testbed wins per key); a testbed-only section is adopted
	// whole.
	if testbed != nil {
		for section, table := range testbed.Sections {
			if section == "testbed" {
				continue
			}
			mergeKeysInto(merged, section, table)
		}
	}

	// Step 5: CLI overrides, matching keys across all non-[workflow]
	// sections.
	for section, table := range overrides {
		if section == "workflow" {
			continue
		}
		mergeKeysInto(merged, section, table)
	}

	return &WorkflowConfig{Name: name, Version: version, Sections: merged}, nil
}

// Section returns a named section, or an empty table if absent.
func (c *WorkflowConfig) Section(name string) map[string]any {
	if s, ok := c.Sections[name]; ok {
		return s
	}
	return map[string]any{}
}

func mergeKeysInto(dst Sections, section string, table map[string]any) {
	existing, ok := dst[section]
	if !ok {
		dst[section] = cloneTable(table)
		return
	}
	for k, v := range table {
		existing[k] = v
	}
}

func cloneTable(table map[string]any) map[string]any {
	out := make(map[string]any, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}

func toStringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("expected array of strings, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseFile(path string) (Sections, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrConfig(core.CodeMissingInclude, fmt.Sprintf("config file not found: %s", path)).WithCause(err)
		}
		return nil, core.ErrConfig(core.CodeMissingInclude, fmt.Sprintf("cannot read config file: %s", path)).WithCause(err)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, core.ErrConfig("INVALID_TOML", fmt.Sprintf("cannot parse %s: %v", path, err)).WithCause(err)
	}

	sections := make(Sections)
	flattenSections("", doc, sections)
	return sections, nil
}

// flattenSections turns a parsed TOML document into one entry per
// `[section]` or `[section.subsection]` table, keyed by its dotted path
// (e.g. "agents.processing"), with only that table's own scalar keys as
// values. This lets `[agents.processing]` be merged and overridden as an
// independent section exactly like `[daq_state_machine]`.
func flattenSections(prefix string, doc map[string]any, out Sections) {
	table := make(map[string]any)
	for k, v := range doc {
		if m, ok := v.(map[string]any); ok {
			childPath := k
			if prefix != "" {
				childPath = prefix + "." + k
			}
			flattenSections(childPath, m, out)
			continue
		}
		table[k] = v
	}
	if prefix != "" {
		out[prefix] = table
	}
}
