package console

import (
	"context"
	"log/slog"

	"github.com/ormasoftchile/servo/pkg/config"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/transport"
)

// Open builds a Service from configuration. A nil dialer means SSH as
// configured. The returned function closes the audit sinks.
func Open(ctx context.Context, cfg *config.Config, d transport.Dialer, logger *slog.Logger) (*Service, func() error, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, nil, err
	}
	gov, err := cfg.GovernanceEngine()
	if err != nil {
		return nil, nil, err
	}
	sink, closeAudit, err := cfg.OpenAudit(ctx)
	if err != nil {
		return nil, nil, err
	}
	if d == nil {
		d = cfg.Dialer(logger)
	}

	exec := executor.New(d, logger)
	exec.Governance = gov
	s := New(reg, exec, sink, logger)
	s.Terminals.Governance = gov
	s.Terminals.Timeout = cfg.Terminal.IdleTimeout
	s.StateDir = cfg.StateDir
	return s, closeAudit, nil
}
