package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/oire/internal/interaction"
)

// Scenario is a scripted session for one viewing user.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	User        string `yaml:"user"`

	// Token seeds write IDs. Defaults to "scenario-token".
	Token string `yaml:"token,omitempty"`

	// InFlightTimeout bounds each remote write. Zero disables it.
	InFlightTimeout time.Duration `yaml:"in_flight_timeout,omitempty"`

	// ExpectTimeout bounds how long expect and wait steps poll.
	// Defaults to 2s.
	ExpectTimeout time.Duration `yaml:"expect_timeout,omitempty"`

	Items  []interaction.Item `yaml:"items"`
	Remote []Membership       `yaml:"remote,omitempty"`
	Steps  []Step             `yaml:"steps"`
}

// Membership seeds the backend before the engine starts.
type Membership struct {
	Item  string           `yaml:"item"`
	Kind  interaction.Kind `yaml:"kind"`
	Users []string         `yaml:"users"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Show          string        `yaml:"show,omitempty"`
	Hide          string        `yaml:"hide,omitempty"`
	Toggle        *ToggleStep   `yaml:"toggle,omitempty"`
	Remote        *RemoteChange `yaml:"remote,omitempty"`
	HoldWrites    bool          `yaml:"hold_writes,omitempty"`
	ReleaseWrites bool          `yaml:"release_writes,omitempty"`
	FailNextWrite string        `yaml:"fail_next_write,omitempty"`
	Online        *bool         `yaml:"online,omitempty"`
	Advance       time.Duration `yaml:"advance,omitempty"`
	Wait          bool          `yaml:"wait,omitempty"`
	Expect        *Expect       `yaml:"expect,omitempty"`
}

// ToggleStep taps a kind on an item. Outcome and Error, when set, are
// checked against what Toggle returned.
type ToggleStep struct {
	Item    string           `yaml:"item"`
	Kind    interaction.Kind `yaml:"kind"`
	Outcome string           `yaml:"outcome,omitempty"`
	Error   string           `yaml:"error,omitempty"`
}

// RemoteChange is a membership change made outside this client.
type RemoteChange struct {
	Item   string           `yaml:"item"`
	Kind   interaction.Kind `yaml:"kind"`
	User   string           `yaml:"user"`
	Active bool             `yaml:"active"`
}

// Expect checks one record. Unset fields are not checked.
type Expect struct {
	Item     string           `yaml:"item"`
	Kind     interaction.Kind `yaml:"kind"`
	Active   *bool            `yaml:"active,omitempty"`
	Count    *int             `yaml:"count,omitempty"`
	InFlight *bool            `yaml:"in_flight,omitempty"`

	// Cached checks the durable cache for the viewing user.
	Cached *bool `yaml:"cached,omitempty"`

	// RemoteActive checks the backend's membership for the viewing user.
	RemoteActive *bool `yaml:"remote_active,omitempty"`
}

// Step operation names, as they appear in traces.
const (
	OpShow          = "show"
	OpHide          = "hide"
	OpToggle        = "toggle"
	OpRemote        = "remote"
	OpHoldWrites    = "hold_writes"
	OpReleaseWrites = "release_writes"
	OpFailNextWrite = "fail_next_write"
	OpOnline        = "online"
	OpAdvance       = "advance"
	OpWait          = "wait"
	OpExpect        = "expect"
	OpSettled       = "settled"
)

// ops returns the operations set on the step.
func (s Step) ops() []string {
	var ops []string
	if s.Show != "" {
		ops = append(ops, OpShow)
	}
	if s.Hide != "" {
		ops = append(ops, OpHide)
	}
	if s.Toggle != nil {
		ops = append(ops, OpToggle)
	}
	if s.Remote != nil {
		ops = append(ops, OpRemote)
	}
	if s.HoldWrites {
		ops = append(ops, OpHoldWrites)
	}
	if s.ReleaseWrites {
		ops = append(ops, OpReleaseWrites)
	}
	if s.FailNextWrite != "" {
		ops = append(ops, OpFailNextWrite)
	}
	if s.Online != nil {
		ops = append(ops, OpOnline)
	}
	if s.Advance != 0 {
		ops = append(ops, OpAdvance)
	}
	if s.Wait {
		ops = append(ops, OpWait)
	}
	if s.Expect != nil {
		ops = append(ops, OpExpect)
	}
	return ops
}

// Op returns the step's operation name, or "" if the step is not valid.
func (s Step) Op() string {
	ops := s.ops()
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.User == "" {
		return fmt.Errorf("user is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.InFlightTimeout < 0 || s.ExpectTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}

	items := make(map[string]bool, len(s.Items))
	for i, item := range s.Items {
		if item.ID == "" || item.AuthorID == "" {
			return fmt.Errorf("items[%d]: id and author are required", i)
		}
		if items[item.ID] {
			return fmt.Errorf("items[%d]: duplicate item %q", i, item.ID)
		}
		items[item.ID] = true
	}

	for i, m := range s.Remote {
		if !items[m.Item] {
			return fmt.Errorf("remote[%d]: unknown item %q", i, m.Item)
		}
		if !m.Kind.Valid() {
			return fmt.Errorf("remote[%d]: unknown kind %q", i, m.Kind)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, items); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, items map[string]bool) error {
	ops := step.ops()
	switch len(ops) {
	case 0:
		return fmt.Errorf("no action set")
	case 1:
	default:
		return fmt.Errorf("exactly one action allowed, got %v", ops)
	}

	knownItem := func(id string) error {
		if !items[id] {
			return fmt.Errorf("%s: unknown item %q", ops[0], id)
		}
		return nil
	}

	switch ops[0] {
	case OpShow:
		return knownItem(step.Show)
	case OpHide:
		return knownItem(step.Hide)
	case OpToggle:
		if step.Toggle.Kind == "" {
			return fmt.Errorf("toggle: kind is required")
		}
		if step.Toggle.Outcome != "" && step.Toggle.Error != "" {
			return fmt.Errorf("toggle: outcome and error are mutually exclusive")
		}
		return knownItem(step.Toggle.Item)
	case OpRemote:
		if !step.Remote.Kind.Valid() {
			return fmt.Errorf("remote: unknown kind %q", step.Remote.Kind)
		}
		if step.Remote.User == "" {
			return fmt.Errorf("remote: user is required")
		}
		return knownItem(step.Remote.Item)
	case OpAdvance:
		if step.Advance < 0 {
			return fmt.Errorf("advance: must be positive")
		}
	case OpExpect:
		if !step.Expect.Kind.Valid() {
			return fmt.Errorf("expect: unknown kind %q", step.Expect.Kind)
		}
		return knownItem(step.Expect.Item)
	}
	return nil
}
