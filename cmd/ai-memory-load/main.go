// Command ai-memory-load is a Claude Code SessionStart hook: it reads
// the hook's JSON payload from stdin and prints SYSPROMPT.md (if
// present) plus recent AI-memory dialogue turns for the session's
// namespace, for injection into the new session's context (grounded on
// original_source/ai_memory/load.py).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

type hookInput struct {
	Source string `json:"source"`
	CWD    string `json:"cwd"`
}

func main() {
	var in hookInput
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		return
	}
	if in.Source != "startup" && in.Source != "resume" {
		return
	}

	cwd := in.CWD
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	var parts []string
	if sysprompt := loadSysprompt(cwd); sysprompt != "" {
		parts = append(parts, sysprompt)
	}

	if turns, _ := strconv.Atoi(os.Getenv("SWF_DIALOGUE_TURNS")); turns > 0 {
		namespace := testbedNamespace(cwd)
		if dialogue := loadDialogue(namespace, turns); dialogue != "" {
			parts = append(parts, dialogue)
		}
	}

	if len(parts) > 0 {
		fmt.Println(strings.Join(parts, "\n\n"))
	}
}

func loadSysprompt(cwd string) string {
	data, err := os.ReadFile(cwd + "/SYSPROMPT.md")
	if err != nil {
		return ""
	}
	return string(data)
}

func testbedNamespace(cwd string) string {
	data, err := os.ReadFile(cwd + "/workflows/testbed.toml")
	if err != nil {
		return ""
	}
	var doc struct {
		Testbed struct {
			Namespace string `toml:"namespace"`
		} `toml:"testbed"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Testbed.Namespace
}

func loadDialogue(namespace string, turns int) string {
	monitor := monitorclient.New(monitorclient.ConfigFromEnv())
	messages, err := monitor.ListAIMemory(context.Background(), namespace)
	if err != nil || len(messages) == 0 {
		return ""
	}
	if len(messages) > turns {
		messages = messages[len(messages)-turns:]
	}

	lines := []string{"## Recent Conversation History", ""}
	for _, msg := range messages {
		content := msg.Content
		if len(content) > 2000 {
			content = content[:2000] + "... [truncated]"
		}
		lines = append(lines, fmt.Sprintf("**%s:** %s", strings.ToUpper(msg.Role), content), "")
	}
	return strings.Join(lines, "\n")
}
