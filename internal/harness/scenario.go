package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is an end-to-end test of the upload service.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes is the number of storage nodes. Zero means none; absent means
	// the network default.
	Nodes *int `yaml:"nodes,omitempty"`

	// MaxReplicas overrides the service's replica limit when set.
	MaxReplicas uint64 `yaml:"max_replicas,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation against the network.
type Step struct {
	Op       string   `yaml:"op"`
	Space    string   `yaml:"space,omitempty"`
	Blob     string   `yaml:"blob,omitempty"`
	Data     string   `yaml:"data,omitempty"`
	Size     uint64   `yaml:"size,omitempty"`
	Site     string   `yaml:"site,omitempty"`
	Replicas uint64   `yaml:"replicas,omitempty"`
	Shards   []string `yaml:"shards,omitempty"`
	Overflow bool     `yaml:"overflow,omitempty"`

	SkipUpload bool   `yaml:"skip_upload,omitempty"`
	Provider   string `yaml:"provider,omitempty"`
	Duration   string `yaml:"duration,omitempty"`

	// Expect checks the step's receipt. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected receipt of a step.
type ExpectClause struct {
	// Error is the expected failure name. Empty expects success.
	Error string `yaml:"error,omitempty"`

	// Forks are expected fork counts by ability. Abilities not listed are
	// not checked.
	Forks map[string]int `yaml:"forks,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type      string `yaml:"type"`
	Op        string `yaml:"op,omitempty"`
	Outcome   string `yaml:"outcome,omitempty"`
	Space     string `yaml:"space,omitempty"`
	Blob      string `yaml:"blob,omitempty"`
	Status    string `yaml:"status,omitempty"`
	Node      string `yaml:"node,omitempty"`
	Recipient string `yaml:"recipient,omitempty"`
	Ability   string `yaml:"ability,omitempty"`
	Count     int    `yaml:"count"`
}

// Operation names.
const (
	OpUpload    = "upload"
	OpAllocate  = "allocate"
	OpReplicate = "replicate"
	OpIndex     = "index"
	OpProvision = "provision"
	OpWait      = "wait"
	OpAdvance   = "advance"
)

// Assertion type constants.
const (
	AssertTraceCount   = "trace_count"
	AssertReplicaCount = "replica_count"
	AssertRegistered   = "registered"
	AssertClaimCount   = "claim_count"
	AssertLedgerCount  = "ledger_count"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo does not silently drop a check.
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Nodes != nil && *s.Nodes < 0 {
		return fmt.Errorf("nodes must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s *Step) error {
	needs := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", i, field, s.Op)
		}
		return nil
	}
	switch s.Op {
	case OpUpload, OpAllocate:
		if err := needs("space", s.Space); err != nil {
			return err
		}
		return needs("blob", s.Blob)
	case OpReplicate:
		if err := needs("space", s.Space); err != nil {
			return err
		}
		if err := needs("blob", s.Blob); err != nil {
			return err
		}
		if s.Replicas == 0 {
			return fmt.Errorf("steps[%d]: replicas is required for replicate", i)
		}
	case OpIndex:
		if err := needs("space", s.Space); err != nil {
			return err
		}
		if err := needs("blob", s.Blob); err != nil {
			return err
		}
		if len(s.Shards) == 0 {
			return fmt.Errorf("steps[%d]: shards is required for index", i)
		}
	case OpProvision:
		if err := needs("space", s.Space); err != nil {
			return err
		}
		return needs("provider", s.Provider)
	case OpAdvance:
		if _, err := time.ParseDuration(s.Duration); err != nil {
			return fmt.Errorf("steps[%d]: invalid duration: %w", i, err)
		}
	case OpWait:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, s.Op)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
	case AssertReplicaCount:
		if a.Space == "" || a.Blob == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: space, blob and status are required for replica_count", index)
		}
	case AssertRegistered:
		if a.Space == "" || a.Blob == "" || a.Node == "" {
			return fmt.Errorf("assertions[%d]: space, blob and node are required for registered", index)
		}
	case AssertClaimCount:
		if a.Recipient != "indexer" && a.Recipient != "claims" {
			return fmt.Errorf("assertions[%d]: recipient must be indexer or claims", index)
		}
		if a.Ability == "" {
			return fmt.Errorf("assertions[%d]: ability is required for claim_count", index)
		}
	case AssertLedgerCount:
		if a.Ability == "" {
			return fmt.Errorf("assertions[%d]: ability is required for ledger_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
