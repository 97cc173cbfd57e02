// Package scenario describes guest runs in YAML and checks their results.
package scenario

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidScenario = errors.New("invalid scenario")

// DefaultTimeout bounds a run when the scenario does not set one.
const DefaultTimeout = 10 * time.Second

// DefaultFaultAddress is written by the page-fault program. It lies above
// the 1 GiB identity map.
const DefaultFaultAddress uint64 = 0xCAFEBABE

// Program selects the guest body.
type Program string

const (
	ProgramBoot          Program = "boot"
	ProgramDivideByZero  Program = "divide-by-zero"
	ProgramPageFault     Program = "page-fault"
	ProgramBreakpoint    Program = "breakpoint"
	ProgramInvalidOpcode Program = "invalid-opcode"
)

var programs = []Program{
	ProgramBoot,
	ProgramDivideByZero,
	ProgramPageFault,
	ProgramBreakpoint,
	ProgramInvalidOpcode,
}

// Programs lists the known guest bodies.
func Programs() []Program {
	return append([]Program(nil), programs...)
}

// Outcome is how the guest is expected to stop.
type Outcome string

const (
	OutcomeHalt Outcome = "halt"
	OutcomeExit Outcome = "exit"
)

// Scenario is one guest run and its expectations.
type Scenario struct {
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description"`
	Program      Program     `yaml:"program"`
	FaultAddress uint64      `yaml:"fault_address"`
	Timeout      Duration    `yaml:"timeout"`
	Expect       Expectation `yaml:"expect"`

	// Source is the file the scenario came from.
	Source string `yaml:"-"`
}

// Expectation defines what the run must produce.
type Expectation struct {
	Contains []string `yaml:"contains"`
	Absent   []string `yaml:"absent"`
	Outcome  Outcome  `yaml:"outcome"`
	// ExitCode is checked when set and the outcome is exit.
	ExitCode *uint32 `yaml:"exit_code"`
	// Vectors, when set, must equal the delivered exceptions in order.
	Vectors []uint8 `yaml:"vectors"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Validate checks required fields and the program/expectation pairing.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidScenario)
	}
	known := false
	for _, p := range programs {
		known = known || p == s.Program
	}
	if !known {
		return fmt.Errorf("%w: %s: unknown program %q", ErrInvalidScenario, s.Name, s.Program)
	}
	switch s.Expect.Outcome {
	case OutcomeHalt, OutcomeExit:
	default:
		return fmt.Errorf("%w: %s: outcome must be halt or exit, got %q", ErrInvalidScenario, s.Name, s.Expect.Outcome)
	}
	if s.Expect.ExitCode != nil && s.Expect.Outcome != OutcomeExit {
		return fmt.Errorf("%w: %s: exit_code needs outcome exit", ErrInvalidScenario, s.Name)
	}
	if s.FaultAddress != 0 && s.Program != ProgramPageFault {
		return fmt.Errorf("%w: %s: fault_address only applies to %s", ErrInvalidScenario, s.Name, ProgramPageFault)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: %s: negative timeout", ErrInvalidScenario, s.Name)
	}
	return nil
}

func (s *Scenario) applyDefaults() {
	if s.Timeout == 0 {
		s.Timeout = Duration(DefaultTimeout)
	}
	if s.Program == ProgramPageFault && s.FaultAddress == 0 {
		s.FaultAddress = DefaultFaultAddress
	}
}

// Parse decodes one scenario. source names it in errors.
func Parse(data []byte, source string) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	sc.applyDefaults()
	sc.Source = source
	return &sc, nil
}

// LoadFile loads a scenario from a YAML file.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Parse(data, path)
}

// LoadDir loads every .yaml and .yml file in dir, sorted by file name.
// Scenario names must be unique.
func LoadDir(dir string) ([]*Scenario, error) {
	return loadFS(os.DirFS(dir), ".", dir)
}

//go:embed scenarios/*.yaml
var builtin embed.FS

// Builtin returns the scenarios shipped with the binary.
func Builtin() ([]*Scenario, error) {
	return loadFS(builtin, "scenarios", "builtin")
}

func loadFS(fsys fs.FS, dir, label string) ([]*Scenario, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenario dir %s: %w", label, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string)
	out := make([]*Scenario, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, name)))
		if err != nil {
			return nil, fmt.Errorf("reading scenario file: %w", err)
		}
		sc, err := Parse(data, filepath.Join(label, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[sc.Name]; ok {
			return nil, fmt.Errorf("%w: %s: name %q already used by %s", ErrInvalidScenario, sc.Source, sc.Name, prev)
		}
		seen[sc.Name] = sc.Source
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", label)
	}
	return out, nil
}
