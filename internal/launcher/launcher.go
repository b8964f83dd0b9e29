// Package launcher implements the scenario lifecycle manager (spec §4.4):
// validation, external process/container bring-up, coordinator wiring,
// execution, and unconditional teardown.
package launcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/xedgesim/cosim/internal/adapter"
	"github.com/xedgesim/cosim/internal/coordinator"
	"github.com/xedgesim/cosim/internal/emulator"
	"github.com/xedgesim/cosim/internal/network"
	"github.com/xedgesim/cosim/internal/observability"
	"github.com/xedgesim/cosim/internal/scenario"
	"github.com/xedgesim/cosim/internal/xerrors"
)

// SimulationResult is the launcher's terminal report (spec §6: "Exit code 0
// <=> SimulationResult.success").
type SimulationResult struct {
	Success      bool
	Err          error
	FinalTimeUs  int64
	NetworkStats network.Metrics
}

// Launcher drives one scenario run end to end. A Launcher is single-use:
// construct a new one per run via New.
type Launcher struct {
	Scenario *scenario.Scenario
	RunID    string

	// baseDir namespaces this run's scratch space, carrying forward
	// renode_node.py's /tmp/xedgesim/<node_id> working-directory
	// convention (SPEC_FULL §4), now additionally namespaced by run id.
	baseDir string

	coord      *coordinator.Coordinator
	containers []testcontainers.Container
	adapters   map[string]adapter.NodeAdapter
	feed       *observability.Feed
}

// New constructs a Launcher for s, generating a fresh run id.
func New(s *scenario.Scenario) *Launcher {
	runID := uuid.NewString()
	return &Launcher{
		Scenario: s,
		RunID:    runID,
		baseDir:  filepath.Join("/tmp", "xedgesim", runID),
		adapters: make(map[string]adapter.NodeAdapter),
	}
}

// Run executes the full lifecycle: validate, start externals, wire the
// coordinator, bring every node up, execute, and always tear down —
// including on error. The returned SimulationResult.Success mirrors
// whether err is nil.
func (l *Launcher) Run(ctx context.Context) (*SimulationResult, error) {
	log.Printf("launcher[%s]: validating scenario", l.RunID)
	if err := l.Scenario.Validate(); err != nil {
		return &SimulationResult{Success: false, Err: err}, err
	}

	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		wrapped := xerrors.ConfigErrorf("create run working directory: %v", err)
		return &SimulationResult{Success: false, Err: wrapped}, wrapped
	}

	netModel, err := network.NewFromConfig(toNetworkConfig(l.Scenario.Network), l.Scenario.Seed)
	if err != nil {
		wrapped := xerrors.ConfigErrorf("build network model: %v", err)
		return &SimulationResult{Success: false, Err: wrapped}, wrapped
	}
	l.coord = coordinator.New(l.Scenario.TimeQuantumUs, netModel)

	if obs := l.Scenario.Observability; obs != nil && obs.WebsocketAddr != "" {
		l.feed = observability.NewFeed(obs.WebsocketAddr)
		if err := l.feed.Start(ctx); err != nil {
			wrapped := xerrors.ConfigErrorf("start observability feed: %v", err)
			return &SimulationResult{Success: false, Err: wrapped}, wrapped
		}
		l.coord.Publisher = l.feed
	}

	log.Printf("launcher[%s]: starting external processes/containers", l.RunID)
	if err := l.startExternals(ctx); err != nil {
		l.teardown(ctx)
		return &SimulationResult{Success: false, Err: err}, err
	}

	log.Printf("launcher[%s]: registering node adapters", l.RunID)
	if err := l.registerAdapters(); err != nil {
		l.teardown(ctx)
		return &SimulationResult{Success: false, Err: err}, err
	}

	log.Printf("launcher[%s]: bringing nodes up (connect + init)", l.RunID)
	if err := l.bringUp(ctx); err != nil {
		l.teardown(ctx)
		return &SimulationResult{Success: false, Err: err}, err
	}

	durationUs := l.Scenario.DurationUs()
	log.Printf("launcher[%s]: executing for %dus", l.RunID, durationUs)
	runErr := l.coord.Run(ctx, durationUs)

	l.teardown(ctx)

	if runErr != nil {
		return &SimulationResult{Success: false, Err: runErr, FinalTimeUs: l.coord.CurrentTimeUs()}, runErr
	}
	return &SimulationResult{
		Success:      true,
		FinalTimeUs:  l.coord.CurrentTimeUs(),
		NetworkStats: netModel.Metrics(),
	}, nil
}

// startExternals launches container-backed stdio nodes via testcontainers,
// building from a Dockerfile context when requested (scenario.py's
// docker.build_context field, SUPPLEMENTED FEATURES). The container's
// mapped port is recorded onto the node so registerAdapters can address it
// as a socket node.
func (l *Launcher) startExternals(ctx context.Context) error {
	for i := range l.Scenario.Nodes {
		n := &l.Scenario.Nodes[i]
		if n.Implementation != scenario.ImplStdio || n.Docker == nil {
			continue
		}

		req := testcontainers.ContainerRequest{
			Image: n.Docker.Image,
			Env:   n.Docker.Env,
		}
		if n.Docker.BuildContext != "" {
			req.FromDockerfile = testcontainers.FromDockerfile{Context: n.Docker.BuildContext}
		}
		// The node's own port is the one the container must expose; the host
		// side is assigned by the docker engine and read back via MappedPort.
		containerPort := fmt.Sprintf("%d/tcp", n.Port)
		req.ExposedPorts = []string{containerPort}

		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			return xerrors.ConnectError(n.ID, fmt.Errorf("start container: %w", err))
		}
		l.containers = append(l.containers, c)

		host, err := c.Host(ctx)
		if err != nil {
			return xerrors.ConnectError(n.ID, fmt.Errorf("container host: %w", err))
		}
		mapped, err := c.MappedPort(ctx, nat.Port(containerPort))
		if err != nil {
			return xerrors.ConnectError(n.ID, fmt.Errorf("mapped port: %w", err))
		}

		n.Host = host
		n.Port = mapped.Int()
		n.Implementation = scenario.ImplSocket
		log.Printf("launcher[%s]: container node %s reachable at %s:%d", l.RunID, n.ID, n.Host, n.Port)
	}
	return nil
}

// registerAdapters instantiates the right NodeAdapter per node and
// registers it with the coordinator (spec §4.3's three-overload
// registration API, routed here through AddAdapter uniformly).
func (l *Launcher) registerAdapters() error {
	for _, n := range l.Scenario.Nodes {
		var a adapter.NodeAdapter
		switch n.Implementation {
		case scenario.ImplSocket:
			a = adapter.NewSocket(n.ID, n.Host, n.Port)
		case scenario.ImplStdio:
			a = adapter.NewStdio(n.ID, n.Command, n.Args...)
		case scenario.ImplMQTT:
			a = adapter.NewMQTT(n.ID, n.BrokerURL)
		case scenario.ImplInProcess:
			node, err := l.buildInProcessNode(n)
			if err != nil {
				return err
			}
			a = adapter.NewInProcess(n.ID, node)
		default:
			return xerrors.ConfigErrorf("node %s: unsupported implementation %q", n.ID, n.Implementation)
		}
		l.adapters[n.ID] = a
		l.coord.AddAdapter(n.ID, a)
	}
	return nil
}

// buildInProcessNode constructs the InProcessNode behind an inprocess node:
// an emulator driver when an emulator section is present.
func (l *Launcher) buildInProcessNode(n scenario.ScenarioNode) (adapter.InProcessNode, error) {
	if n.Emulator == nil {
		return nil, xerrors.ConfigErrorf("node %s: inprocess implementation requires an 'emulator' section", n.ID)
	}
	workDir := filepath.Join(l.baseDir, n.ID)
	return emulator.New(n.ID, emulator.Config{
		Platform:      n.Emulator.Platform,
		Firmware:      n.Emulator.Firmware,
		MonitorPort:   n.Emulator.MonitorPort,
		BinaryPath:    n.Emulator.BinaryPath,
		UARTDevice:    n.Emulator.UARTDevice,
		TimeQuantumUs: n.Emulator.TimeQuantumUs,
		WorkingDir:    workDir,
	}), nil
}

// bringUp connects every adapter, then initializes every adapter with the
// scenario seed and (when set) the ML-placement passthrough record merged
// into the node's own config bag, by node-protocol convention (SPEC_FULL
// §4 "the core only forwards it into node INIT config payloads").
func (l *Launcher) bringUp(ctx context.Context) error {
	for _, n := range l.Scenario.Nodes {
		if err := l.adapters[n.ID].Connect(ctx); err != nil {
			return err
		}
	}
	for _, n := range l.Scenario.Nodes {
		config := mergeConfig(n.Config, l.Scenario.Seed, l.Scenario.MLInference)
		if err := l.adapters[n.ID].SendInit(ctx, config); err != nil {
			return err
		}
	}
	return nil
}

func mergeConfig(base map[string]any, seed int64, ml *scenario.MLInferenceConfig) map[string]any {
	merged := make(map[string]any, len(base)+2)
	for k, v := range base {
		merged[k] = v
	}
	merged["seed"] = seed
	if ml != nil {
		merged["ml_inference"] = ml
	}
	return merged
}

// teardown issues SendShutdown to every adapter and terminates every
// container, regardless of prior errors. Idempotent: a second call is a
// no-op because every adapter and container tracks its own shutdown state.
func (l *Launcher) teardown(ctx context.Context) {
	if l.coord != nil {
		if err := l.coord.Shutdown(ctx); err != nil {
			log.Printf("launcher[%s]: shutdown reported an error (ignored): %v", l.RunID, err)
		}
	}

	for _, c := range l.containers {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Terminate(termCtx); err != nil {
			log.Printf("launcher[%s]: container terminate failed (ignored): %v", l.RunID, err)
		}
		cancel()
	}
	l.containers = nil

	if l.feed != nil {
		if err := l.feed.Stop(ctx); err != nil {
			log.Printf("launcher[%s]: observability feed stop failed (ignored): %v", l.RunID, err)
		}
		l.feed = nil
	}

	log.Printf("launcher[%s]: teardown complete", l.RunID)
}

func toNetworkConfig(c *scenario.NetworkConfig) *network.Config {
	if c == nil {
		return nil
	}
	links := make([]network.Link, 0, len(c.Links))
	for _, l := range c.Links {
		links = append(links, network.Link{Src: l.Src, Dst: l.Dst, LatencyUs: l.LatencyUs, LossRate: l.LossRate})
	}
	return &network.Config{
		Model:            c.Model,
		DefaultLatencyUs: c.DefaultLatencyUs,
		DefaultLossRate:  c.DefaultLossRate,
		Links:            links,
	}
}
