// Package mapping translates external input events into outbound DCS-BIOS
// commands using a declarative YAML file loaded once at startup.
package mapping

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// ErrNotFound is returned by Evaluate when no rule matches the event.
var ErrNotFound = errors.New("mapping: no rule for event")

// Rule binds one input event identifier to the command it emits.
type Rule struct {
	Name    string `yaml:"name"`
	Event   string `yaml:"event"`
	Command string `yaml:"command"`
}

// file mirrors the on-disk document shape:
//
//	inputs:
//	  - name: master-caution
//	    event: gpio17.press
//	    command: UFC_MASTER_CAUTION 1
type file struct {
	Inputs []Rule `yaml:"inputs"`
}

// Table is the loaded rule set. It is immutable after Load and safe to
// share across goroutines without locking.
type Table struct {
	rules   []Rule
	byEvent map[string]string
}

// Load parses and validates the mapping file. Malformed YAML, rules with an
// empty event or command, and duplicate event identifiers are all load
// failures; duplicates are rejected rather than overwritten so a typo never
// silently changes which command fires.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Table from raw YAML. Split from Load for tests and for
// callers holding the document in memory.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("mapping: parse: %w", err)
	}

	t := &Table{
		rules:   f.Inputs,
		byEvent: make(map[string]string, len(f.Inputs)),
	}

	for i, rule := range f.Inputs {
		event := strings.TrimSpace(rule.Event)
		command := strings.TrimSpace(rule.Command)
		if event == "" {
			return nil, fmt.Errorf("mapping: rule %d (%s): empty event", i, rule.Name)
		}
		if command == "" {
			return nil, fmt.Errorf("mapping: rule %d (%s): empty command", i, rule.Name)
		}
		if _, dup := t.byEvent[event]; dup {
			return nil, fmt.Errorf("mapping: duplicate event %q", event)
		}
		t.byEvent[event] = command
	}

	log.Printf("Mapping: loaded %d rules", len(t.byEvent))
	return t, nil
}

// Evaluate returns the command bound to the event, or ErrNotFound. The
// caller decides whether an unknown event is dropped or escalated.
func (t *Table) Evaluate(event string) (string, error) {
	command, ok := t.byEvent[strings.TrimSpace(event)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, event)
	}
	return command, nil
}

// Len returns the number of loaded rules.
func (t *Table) Len() int { return len(t.byEvent) }

// Rules returns the rules in file order, for diagnostic listings.
func (t *Table) Rules() []Rule { return t.rules }
