package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const validMapping = `inputs:
  - name: master-caution
    event: gpio17.press
    command: UFC_MASTER_CAUTION 1
  - name: master-caution-release
    event: gpio17.release
    command: UFC_MASTER_CAUTION 0
  - name: gear-toggle
    event: gpio22.press
    command: GEAR_LEVER TOGGLE
`

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expectError bool
		rules       int
	}{
		{
			name:  "valid mapping",
			data:  validMapping,
			rules: 3,
		},
		{
			name:  "empty inputs",
			data:  "inputs: []\n",
			rules: 0,
		},
		{
			name: "duplicate event rejected",
			data: `inputs:
  - event: gpio17.press
    command: A 1
  - event: gpio17.press
    command: B 1
`,
			expectError: true,
		},
		{
			name: "empty event rejected",
			data: `inputs:
  - event: ""
    command: A 1
`,
			expectError: true,
		},
		{
			name: "empty command rejected",
			data: `inputs:
  - event: gpio17.press
    command: ""
`,
			expectError: true,
		},
		{
			name:        "malformed yaml",
			data:        "inputs: [a, {b\n",
			expectError: true,
		},
		{
			name: "unknown key rejected",
			data: `inputs:
  - event: gpio17.press
    command: A 1
    comand: typo
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Parse([]byte(tt.data))

			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if table.Len() != tt.rules {
				t.Errorf("Len() = %d, want %d", table.Len(), tt.rules)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	table, err := Parse([]byte(validMapping))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		event   string
		command string
		missing bool
	}{
		{event: "gpio17.press", command: "UFC_MASTER_CAUTION 1"},
		{event: "gpio17.release", command: "UFC_MASTER_CAUTION 0"},
		{event: "gpio22.press", command: "GEAR_LEVER TOGGLE"},
		{event: " gpio22.press ", command: "GEAR_LEVER TOGGLE"},
		{event: "gpio99.press", missing: true},
		{event: "", missing: true},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			command, err := table.Evaluate(tt.event)

			if tt.missing {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("Evaluate(%q) err = %v, want ErrNotFound", tt.event, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.event, err)
			}
			if command != tt.command {
				t.Errorf("Evaluate(%q) = %q, want %q", tt.event, command, tt.command)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	if err := os.WriteFile(path, []byte(validMapping), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if table.Len() != 3 {
		t.Errorf("Len() = %d, want 3", table.Len())
	}
	if got := len(table.Rules()); got != 3 {
		t.Errorf("len(Rules()) = %d, want 3", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load of missing file succeeded, want error")
	}
}
