//go:build fuse

package fusefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gmta/mountload/internal/config"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Service manages the lifecycle of the FUSE mount: mounting the tree
// built on top of a Facade, waiting for unmount, and driving the
// facade's Destroy once the kernel is done with it.
type Service struct {
	facade *Facade
	logger *slog.Logger

	mu         sync.Mutex
	server     *fuse.Server
	mountpoint string
	running    bool
}

// NewService wraps a Facade in a mount/unmount lifecycle.
func NewService(facade *Facade, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{facade: facade, logger: logger.With("component", "fusefs")}
}

// Start mounts the filesystem at mountpoint with the given options.
func (s *Service) Start(mountpoint string, cfg config.FuseConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("create mountpoint %s: %w", mountpoint, err)
	}

	opts := MountOptions{
		AllowOther:          cfg.AllowOther,
		Debug:               cfg.Debug,
		Multithreaded:       cfg.Multithreaded,
		AttrTimeoutSeconds:  cfg.AttrTimeoutSeconds,
		EntryTimeoutSeconds: cfg.EntryTimeoutSeconds,
		UID:                 uint32(os.Getuid()),
		GID:                 uint32(os.Getgid()),
	}

	server, err := Mount(s.facade, mountpoint, opts)
	if err != nil {
		return fmt.Errorf("mount fuse filesystem: %w", err)
	}

	s.server = server
	s.mountpoint = mountpoint
	s.running = true

	go func() {
		server.Wait()
		s.mu.Lock()
		s.running = false
		s.server = nil
		s.mu.Unlock()
		s.logger.Info("fuse filesystem unmounted", "mountpoint", mountpoint)
	}()

	s.logger.Info("fuse filesystem mounted", "mountpoint", mountpoint)
	return nil
}

// Stop unmounts the filesystem and releases every pooled Controller.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server != nil {
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmount %s: %w", s.mountpoint, err)
		}
	}
	return s.facade.Destroy()
}
