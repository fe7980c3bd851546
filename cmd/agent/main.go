package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/decisionloop"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/node"
)

// loopbackTransport has no peers: every publish is accepted and dropped.
// Wiring this process to an actual constellation network is left to the
// deployment; this lets the coordination core run standalone so operators
// can exercise its own state machine.
type loopbackTransport struct{}

func (loopbackTransport) Send(ctx context.Context, env bus.Envelope) error { return nil }

// stubRiskSource reports a constant low risk score. A real deployment
// supplies its own telemetry/anomaly-detection stack.
func stubRiskSource() float64 { return 0.1 }

// stubTelemetry pushes a synthetic sample on a fixed tick, standing in for
// the host process's sensor feed.
type stubTelemetry struct {
	interval time.Duration
}

func (t *stubTelemetry) Subscribe(handler func(sample map[string]interface{})) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for range ticker.C {
			handler(map[string]interface{}{
				"risk_score": rand.Float64() * 0.3,
			})
		}
	}()
}

// stubReasoner emits a constant LOCAL safe_mode decision; a real deployment
// supplies its own anomaly-reasoning model behind decisionloop.InnerReasoner.
type stubReasoner struct{}

func (stubReasoner) Reason(ctx context.Context, localTelemetry map[string]interface{}, global decisionloop.GlobalContext) (decisionloop.Decision, error) {
	return decisionloop.Decision{
		ActionName: config.ActionSafeMode,
		Scope:      decisionloop.ScopeLocal,
		Confidence: 0.5,
		Rationale:  "stub reasoner: no anomaly model wired",
	}, nil
}

// logEffector logs the decision it is asked to apply. A real deployment
// supplies an Effector that drives actuators.
type logEffector struct {
	log corelog.Logger
}

func (e *logEffector) Apply(ctx context.Context, decision decisionloop.Decision) error {
	e.log.Info("applying decision",
		zap.String("action_name", string(decision.ActionName)),
		zap.String("scope", string(decision.Scope)))
	return nil
}

func main() {
	agentID := flag.String("agent-id", "", "this agent's identifier (required)")
	healthInterval := flag.Duration("health-broadcast-interval", 30*time.Second, "HealthBroadcaster period")
	livenessWindow := flag.Duration("liveness-window", 90*time.Second, "peer considered dead beyond this")
	heartbeatInterval := flag.Duration("heartbeat-interval", time.Second, "LEADER broadcast period")
	telemetryInterval := flag.Duration("telemetry-interval", 5*time.Second, "synthetic telemetry sample period")
	flag.Parse()

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "agent-id is required")
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.AgentID = *agentID
	cfg.HealthBroadcastInterval = *healthInterval
	cfg.LivenessWindow = *livenessWindow
	cfg.HeartbeatInterval = *heartbeatInterval
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := corelog.NewProduction()
	m := metrics.NewSet(prometheus.DefaultRegisterer)

	n := node.New(agentid.ID(*agentID), cfg, node.Deps{
		Transport:  loopbackTransport{},
		Reasoner:   stubReasoner{},
		Effector:   &logEffector{log: log},
		RiskSource: stubRiskSource,
		Telemetry:  &stubTelemetry{interval: *telemetryInterval},
	}, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	n.Start(ctx)
	log.Info("agent started", zap.String("agent_id", *agentID))

	<-sigCh
	log.Info("agent shutting down")
	cancel()
	n.Stop()
}
