package pipeline

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
)

// ProbeResult is the outcome of a connection test.
type ProbeResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ErrorType  string `json:"error_type,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Probe error types returned to API clients.
const (
	ProbeErrorAuth        = "auth"
	ProbeErrorNetwork     = "network"
	ProbeErrorTimeout     = "timeout"
	ProbeErrorToolMissing = "tool_missing"
	ProbeErrorUnknown     = "unknown"
)

// TestConnection runs the engine's trivial query with a short timeout and
// classifies the failure mode.
func (p *Pipeline) TestConnection(ctx context.Context, engineType model.EngineType, host string, port int, username, password, database string) ProbeResult {
	start := time.Now()
	done := func(r ProbeResult) ProbeResult {
		r.DurationMS = time.Since(start).Milliseconds()
		return r
	}

	c, err := probeCommand(engineType, host, port, username, password, database)
	if err != nil {
		return done(ProbeResult{Message: err.Error(), ErrorType: ProbeErrorUnknown})
	}
	bin, err := p.lookPath(c.bin)
	if err != nil {
		return done(ProbeResult{
			Message:   c.bin + " is not installed",
			ErrorType: ProbeErrorToolMissing,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	stderr := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	if err := cmd.Run(); err != nil {
		diag := stderr.String()
		if ctx.Err() == context.DeadlineExceeded {
			return done(ProbeResult{
				Message:   "connection timed out after " + p.probeTimeout.String(),
				ErrorType: ProbeErrorTimeout,
			})
		}
		p.log.Debug("connection test failed",
			zap.String("engine_type", string(engineType)),
			zap.String("host", host),
			zap.String("diagnostic", diag))
		return done(ProbeResult{Message: diag, ErrorType: classifyProbeFailure(diag)})
	}

	return done(ProbeResult{Success: true, Message: "Connection successful"})
}

// classifyProbeFailure maps client-tool diagnostics onto the probe error
// types. The markers cover the stock error strings of mysql, psql and
// sqlcmd.
func classifyProbeFailure(diag string) string {
	lower := strings.ToLower(diag)
	switch {
	case strings.Contains(lower, "access denied"),
		strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "login failed"),
		strings.Contains(lower, "password"):
		return ProbeErrorAuth
	case strings.Contains(lower, "could not connect"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "can't connect"),
		strings.Contains(lower, "unknown host"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "could not translate host name"),
		strings.Contains(lower, "network-related"),
		strings.Contains(lower, "timed out"):
		return ProbeErrorNetwork
	}
	return ProbeErrorUnknown
}
