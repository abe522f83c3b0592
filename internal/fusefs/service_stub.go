//go:build !fuse

package fusefs

import (
	"context"
	"log/slog"

	"github.com/gmta/mountload/internal/config"
)

// Service is a no-op stand-in used when the binary is built without
// the "fuse" tag, so the sync engine (controller/metadata/source/
// target) still builds and runs on machines without a FUSE kernel
// module.
type Service struct {
	logger *slog.Logger
}

// NewService returns a stub Service; facade is accepted for call-site
// symmetry with the fuse-tagged constructor but unused here.
func NewService(facade *Facade, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// Start logs that FUSE support was not compiled in.
func (s *Service) Start(mountpoint string, cfg config.FuseConfig) error {
	s.logger.Info("fuse support not enabled in this build; rebuild with -tags fuse", "mountpoint", mountpoint)
	return nil
}

// Stop is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	return nil
}
