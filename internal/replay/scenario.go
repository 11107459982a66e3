// Package replay feeds recorded event streams into an engine: scenario
// files run to completion and are checked against expectations, and
// growing JSONL logs are tailed as a live event source.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/chatsync/internal/event"
)

// Extensions recognised when a directory is given instead of a file.
var scenarioGlob = "**/*.{yaml,yml,json,jsonl,ndjson}"

// Scenario is a recorded event stream with optional expectations.
type Scenario struct {
	Name    string
	Path    string
	Session string
	Events  []event.Envelope
	Expect  *Expectation
}

// Expectation describes the engine state after all events are applied.
type Expectation struct {
	Session  string   `yaml:"session,omitempty" json:"session,omitempty"`
	Phase    string   `yaml:"phase,omitempty" json:"phase,omitempty"`
	Items    []string `yaml:"items,omitempty" json:"items,omitempty"`
	Uploaded []string `yaml:"uploaded,omitempty" json:"uploaded,omitempty"`
	// Golden is a text rendering to compare against, relative to the
	// scenario file.
	Golden string `yaml:"golden,omitempty" json:"golden,omitempty"`
}

type scenarioFile struct {
	Name    string       `yaml:"name"`
	Session string       `yaml:"session"`
	Events  []eventEntry `yaml:"events"`
	Expect  *Expectation `yaml:"expect"`
}

type eventEntry struct {
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties"`
}

// LoadFile reads a scenario. YAML and JSON files hold a scenario document;
// JSONL files hold one wire envelope per line.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	var sc *Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".log":
		sc, err = ParseJSONL(data)
	default:
		sc, err = ParseDocument(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sc.Path = path
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if sc.Expect != nil && sc.Expect.Golden != "" && !filepath.IsAbs(sc.Expect.Golden) {
		sc.Expect.Golden = filepath.Join(filepath.Dir(path), sc.Expect.Golden)
	}
	return sc, nil
}

// ParseDocument parses a YAML (or JSON) scenario document.
func ParseDocument(data []byte) (*Scenario, error) {
	var doc scenarioFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}

	sc := &Scenario{Name: doc.Name, Session: doc.Session, Expect: doc.Expect}
	for i, entry := range doc.Events {
		t, err := event.Lookup(entry.Type)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		props, err := json.Marshal(entry.Properties)
		if err != nil {
			return nil, fmt.Errorf("event %d: failed to encode properties: %w", i, err)
		}
		sc.Events = append(sc.Events, event.Envelope{Type: t, Properties: props})
	}
	return sc, nil
}

// ParseJSONL parses one envelope per line. Blank lines and lines starting
// with # are skipped. The initial session is taken from the first
// session.changed event when present.
func ParseJSONL(data []byte) (*Scenario, error) {
	sc := &Scenario{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		env, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		sc.Events = append(sc.Events, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	return sc, nil
}

func parseLine(line []byte) (event.Envelope, error) {
	var env event.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, fmt.Errorf("failed to parse envelope: %w", err)
	}
	t, err := event.Lookup(string(env.Type))
	if err != nil {
		return env, err
	}
	env.Type = t
	return env, nil
}

// Resolve expands patterns into a sorted, de-duplicated list of scenario
// files. Patterns may use ** globs; a directory expands to every scenario
// file beneath it.
func Resolve(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	for _, pattern := range patterns {
		info, err := os.Stat(pattern)
		switch {
		case err == nil && info.IsDir():
			matches, err := doublestar.FilepathGlob(filepath.Join(pattern, scenarioGlob))
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			for _, m := range matches {
				add(m)
			}
		case err == nil:
			add(pattern)
		default:
			if !doublestar.ValidatePathPattern(pattern) {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
			}
			matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no scenario matches %q", pattern)
			}
			for _, m := range matches {
				add(m)
			}
		}
	}

	sort.Strings(out)
	return out, nil
}
