package pipeline

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
)

// Discover enumerates the databases on an engine. System databases come
// back flagged is_system; names already present in the catalog (keyed by
// knownByName, name → database id) are flagged exists.
func (p *Pipeline) Discover(ctx context.Context, e *model.Engine, password string, knownByName map[string]string) ([]model.DiscoveredDatabase, error) {
	c, err := discoveryCommand(e.EngineType, e.Host, e.Port, e.Username, password)
	if err != nil {
		return nil, err
	}
	bin, err := p.lookPath(c.bin)
	if err != nil {
		return nil, errorf(KindToolMissing, err, "%s not found in PATH", c.bin)
	}

	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	stderr := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errorf(KindTimeout, ctx.Err(), "discovery on %s", e.Host)
		}
		return nil, errorf(KindConnection, err, "discovery on %s: %s", e.Host, stderr.String())
	}

	systems := model.SystemDatabases[e.EngineType]
	var discovered []model.DiscoveredDatabase
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		d := model.DiscoveredDatabase{
			Name:     name,
			IsSystem: systems[name],
		}
		if id, ok := knownByName[name]; ok {
			d.Exists = true
			d.ExistingID = id
		}
		discovered = append(discovered, d)
	}

	p.log.Info("discovery completed",
		zap.String("engine_id", e.ID),
		zap.String("host", e.Host),
		zap.Int("databases", len(discovered)))
	return discovered, nil
}
