// Package scenario parses and validates the scenario configuration file
// (spec §3, §6): simulation parameters, the node graph, the network model
// configuration, and the optional ML-placement passthrough record.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xedgesim/cosim/internal/xerrors"
)

// Implementation is the node substrate a ScenarioNode runs on.
type Implementation string

const (
	ImplInProcess Implementation = "inprocess"
	ImplSocket    Implementation = "socket"
	ImplStdio     Implementation = "stdio"
	ImplMQTT      Implementation = "mqtt"
)

// DockerConfig carries the (optional) container build/run configuration a
// stdio node may be launched through, mirroring scenario.py's docker
// section including build-from-context.
type DockerConfig struct {
	Image        string            `yaml:"image"`
	BuildContext string            `yaml:"build_context"`
	Ports        map[int]int       `yaml:"ports"`
	Env          map[string]string `yaml:"env"`
}

// EmulatorConfig carries the in-process emulator-backed node's
// configuration (spec §4.2.4).
type EmulatorConfig struct {
	Platform      string `yaml:"platform"`
	Firmware      string `yaml:"firmware"`
	MonitorPort   int    `yaml:"monitor_port"`
	BinaryPath    string `yaml:"renode_path"`
	UARTDevice    string `yaml:"uart_device"`
	TimeQuantumUs int64  `yaml:"time_quantum_us"`
}

// ScenarioNode is one entry in the scenario's nodes list.
type ScenarioNode struct {
	ID             string         `yaml:"id"`
	Type           string         `yaml:"type"`
	Implementation Implementation `yaml:"implementation"`

	// Host/Port address the node for the socket implementation.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// BrokerURL addresses the node for the mqtt implementation.
	BrokerURL string `yaml:"broker_url"`

	// Command/Args launch a stdio node's child process.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	Docker   *DockerConfig   `yaml:"docker"`
	Emulator *EmulatorConfig `yaml:"emulator"`

	// Config is an opaque bag forwarded verbatim into the node's INIT
	// payload.
	Config map[string]any `yaml:"config"`
}

// NetworkLink configures latency and loss for one directed (src, dst) pair.
type NetworkLink struct {
	Src       string  `yaml:"src"`
	Dst       string  `yaml:"dst"`
	LatencyUs int64   `yaml:"latency_us"`
	LossRate  float64 `yaml:"loss_rate"`
}

// NetworkConfig is the scenario's optional network section.
type NetworkConfig struct {
	Model            string        `yaml:"model"`
	DefaultLatencyUs int64         `yaml:"default_latency_us"`
	DefaultLossRate  float64       `yaml:"default_loss_rate"`
	Links            []NetworkLink `yaml:"links"`
}

// MLInferenceConfig is the ML-placement passthrough record: fully parsed
// and validated (model file existence checked), but opaque to the core —
// it is only ever forwarded into node INIT config payloads.
type MLInferenceConfig struct {
	Placement   string         `yaml:"placement"`
	EdgeConfig  map[string]any `yaml:"edge_config"`
	CloudConfig map[string]any `yaml:"cloud_config"`
}

// simulationSection is the scenario's `simulation:` block.
type simulationSection struct {
	DurationS     float64 `yaml:"duration_s"`
	Seed          int64   `yaml:"seed"`
	TimeQuantumUs int64   `yaml:"time_quantum_us"`
}

// ObservabilityConfig turns on the optional read-only websocket status feed.
type ObservabilityConfig struct {
	WebsocketAddr string `yaml:"websocket_addr"`
}

// rawScenario mirrors the YAML document shape exactly, before validation
// turns it into a Scenario.
type rawScenario struct {
	Simulation    simulationSection    `yaml:"simulation"`
	Nodes         []ScenarioNode       `yaml:"nodes"`
	Network       *NetworkConfig       `yaml:"network"`
	MLInference   *MLInferenceConfig   `yaml:"ml_inference"`
	Observability *ObservabilityConfig `yaml:"observability"`
}

// Scenario is the validated scenario record (spec §3 Scenario).
type Scenario struct {
	DurationS     float64
	Seed          int64
	TimeQuantumUs int64
	Nodes         []ScenarioNode
	Network       *NetworkConfig
	MLInference   *MLInferenceConfig
	Observability *ObservabilityConfig
}

// DurationUs converts DurationS to integer microseconds, the unit the
// coordinator's run clock speaks exclusively.
func (s *Scenario) DurationUs() int64 {
	return int64(s.DurationS * 1_000_000.0)
}

// Load reads, parses, and validates the scenario file at path. All field
// invariants are checked up front; any failure aborts before any external
// process is started (spec §3).
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.ConfigErrorf("read scenario file %s: %v", path, err)
	}

	var raw rawScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.ConfigErrorf("parse scenario YAML %s: %v", path, err)
	}

	s := &Scenario{
		DurationS:     raw.Simulation.DurationS,
		Seed:          raw.Simulation.Seed,
		TimeQuantumUs: raw.Simulation.TimeQuantumUs,
		Nodes:         raw.Nodes,
		Network:       raw.Network,
		MLInference:   raw.MLInference,
		Observability: raw.Observability,
	}
	if s.TimeQuantumUs == 0 {
		s.TimeQuantumUs = 1000
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every field invariant spec §3/§6 name, accumulating every
// violation it finds before returning a single combined error — matching
// the launcher's "accumulate all errors, then fail once" validation pass
// (spec §4.4 step 1).
func (s *Scenario) Validate() error {
	var problems []string

	if s.DurationS <= 0 {
		problems = append(problems, fmt.Sprintf("simulation.duration_s must be > 0, got %v", s.DurationS))
	}
	if s.TimeQuantumUs <= 0 {
		problems = append(problems, fmt.Sprintf("simulation.time_quantum_us must be > 0, got %d", s.TimeQuantumUs))
	}
	if len(s.Nodes) == 0 {
		problems = append(problems, "scenario must define at least one node")
	}

	seen := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("node[%d]: missing required field 'id'", i))
		} else if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("node[%d]: duplicate node id %q", i, n.ID))
		} else {
			seen[n.ID] = true
		}
		if n.Type == "" {
			problems = append(problems, fmt.Sprintf("node[%d] (id=%s): missing required field 'type'", i, n.ID))
		}
		switch n.Implementation {
		case ImplInProcess, ImplSocket, ImplStdio, ImplMQTT:
		default:
			problems = append(problems, fmt.Sprintf(
				"node[%d] (id=%s): implementation must be one of inprocess/socket/stdio/mqtt, got %q",
				i, n.ID, n.Implementation))
		}
		if n.Implementation == ImplSocket && n.Port == 0 {
			problems = append(problems, fmt.Sprintf("node[%d] (id=%s): socket implementation requires 'port'", i, n.ID))
		}
		if n.Implementation == ImplStdio && n.Command == "" && n.Docker == nil {
			problems = append(problems, fmt.Sprintf("node[%d] (id=%s): stdio implementation requires 'command' or 'docker'", i, n.ID))
		}
		if n.Implementation == ImplMQTT && n.BrokerURL == "" {
			problems = append(problems, fmt.Sprintf("node[%d] (id=%s): mqtt implementation requires 'broker_url'", i, n.ID))
		}
		if n.Implementation == ImplInProcess && n.Emulator != nil {
			if n.Emulator.Platform == "" {
				problems = append(problems, fmt.Sprintf("node[%d] (id=%s): emulator.platform is required", i, n.ID))
			} else if _, err := os.Stat(n.Emulator.Platform); err != nil {
				problems = append(problems, fmt.Sprintf("node[%d] (id=%s): emulator platform file not found: %s", i, n.ID, n.Emulator.Platform))
			}
			if n.Emulator.Firmware == "" {
				problems = append(problems, fmt.Sprintf("node[%d] (id=%s): emulator.firmware is required", i, n.ID))
			} else if _, err := os.Stat(n.Emulator.Firmware); err != nil {
				problems = append(problems, fmt.Sprintf("node[%d] (id=%s): emulator firmware file not found: %s", i, n.ID, n.Emulator.Firmware))
			}
		}
	}

	if s.Network != nil {
		switch s.Network.Model {
		case "", "direct", "latency":
		default:
			problems = append(problems, fmt.Sprintf("network.model must be 'direct' or 'latency', got %q", s.Network.Model))
		}
		if s.Network.DefaultLatencyUs < 0 {
			problems = append(problems, fmt.Sprintf("network.default_latency_us must be >= 0, got %d", s.Network.DefaultLatencyUs))
		}
		if s.Network.DefaultLossRate < 0 || s.Network.DefaultLossRate > 1 {
			problems = append(problems, fmt.Sprintf("network.default_loss_rate must be in [0,1], got %v", s.Network.DefaultLossRate))
		}
		seenLinks := make(map[string]bool, len(s.Network.Links))
		for _, l := range s.Network.Links {
			if l.LossRate < 0 || l.LossRate > 1 {
				problems = append(problems, fmt.Sprintf("network link %s->%s: loss_rate must be in [0,1], got %v", l.Src, l.Dst, l.LossRate))
			}
			key := l.Src + "->" + l.Dst
			if seenLinks[key] {
				problems = append(problems, fmt.Sprintf("network link %s->%s: duplicate (src,dst) pair", l.Src, l.Dst))
			} else {
				seenLinks[key] = true
			}
		}
	}

	if s.MLInference != nil {
		switch s.MLInference.Placement {
		case "edge":
			problems = append(problems, validateMLConfig("edge_config", s.MLInference.EdgeConfig)...)
		case "cloud":
			problems = append(problems, validateMLConfig("cloud_config", s.MLInference.CloudConfig)...)
		default:
			problems = append(problems, fmt.Sprintf("ml_inference.placement must be 'edge' or 'cloud', got %q", s.MLInference.Placement))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.ValidationErrorf("scenario validation failed:\n  - %s", joinProblems(problems))
}

func validateMLConfig(section string, cfg map[string]any) []string {
	var problems []string
	if cfg == nil {
		problems = append(problems, fmt.Sprintf("ml_inference.%s section is required", section))
		return problems
	}
	modelPath, ok := cfg["model_path"].(string)
	if !ok || modelPath == "" {
		problems = append(problems, fmt.Sprintf("ml_inference.%s must specify 'model_path'", section))
		return problems
	}
	if _, err := os.Stat(modelPath); err != nil {
		problems = append(problems, fmt.Sprintf("ml_inference.%s model file not found: %s", section, modelPath))
	}
	return problems
}

func joinProblems(problems []string) string {
	out := problems[0]
	for _, p := range problems[1:] {
		out += "\n  - " + p
	}
	return out
}
