// Command ai-memory-record is a Claude Code hook: invoked on
// UserPromptSubmit and Stop with the hook's JSON payload on stdin, it
// persists one dialogue turn to the Monitor's AI memory resource so a
// later session can recover cross-session context (grounded on
// original_source/ai_memory/record.go's record.py).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

type hookInput struct {
	HookEventName  string `json:"hook_event_name"`
	Prompt         string `json:"prompt"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
}

func main() {
	turns, _ := strconv.Atoi(os.Getenv("SWF_DIALOGUE_TURNS"))
	if turns <= 0 {
		return
	}

	var in hookInput
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		return
	}

	namespace := testbedNamespace(in.CWD)
	monitor := monitorclient.New(monitorclient.ConfigFromEnv())
	ctx := context.Background()

	switch in.HookEventName {
	case "UserPromptSubmit":
		if in.Prompt == "" {
			return
		}
		_ = monitor.AppendAIMemory(ctx, monitorclient.AIMemoryTurn{
			Namespace: namespace, Role: "user", Content: in.Prompt, Timestamp: time.Now().UTC(),
		})
	case "Stop":
		response := lastAssistantResponse(in.TranscriptPath)
		if response == "" {
			return
		}
		_ = monitor.AppendAIMemory(ctx, monitorclient.AIMemoryTurn{
			Namespace: namespace, Role: "assistant", Content: response, Timestamp: time.Now().UTC(),
		})
	}
}

// testbedNamespace mirrors record.py's best-effort read of
// <cwd>/workflows/testbed.toml's [testbed].namespace. Any failure
// (missing file, bad TOML, missing key) just means no namespace filter.
func testbedNamespace(cwd string) string {
	if cwd == "" {
		return ""
	}
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

type transcriptEntry struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// lastAssistantResponse scans a JSONL transcript backwards for the last
// assistant message, joining any text blocks if content is structured.
func lastAssistantResponse(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			continue
		}
		if entry.Role != "assistant" {
			continue
		}
		switch content := entry.Content.(type) {
		case string:
			return content
		case []any:
			var texts []string
			for _, block := range content {
				m, ok := block.(map[string]any)
				if !ok || m["type"] != "text" {
					continue
				}
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
			return strings.Join(texts, "\n")
		}
	}
	return ""
}
