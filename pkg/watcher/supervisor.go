package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/opentranscript/streamwatch/pkg/config"
	"github.com/opentranscript/streamwatch/pkg/uploader"
)

// Monitors start staggered so their poll cycles do not align.
const spawnStagger = 1200 * time.Millisecond

// Supervisor owns one monitor per active streamer plus the periodic status
// heartbeat. It spawns everything on Run and blocks until ctx is cancelled
// and every monitor has wound down.
type Supervisor struct {
	cfg      config.Config
	deps     Deps
	monitors []*Monitor
	logger   *slog.Logger
}

func NewSupervisor(cfg config.Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: deps.logger(),
	}
	for _, streamer := range cfg.Streamers {
		if !streamer.Active {
			continue
		}
		if cfg.Blacklisted(streamer.Key) {
			s.logger.Info("streamer key is blacklisted, not watching", "key", streamer.Key)
			continue
		}
		s.monitors = append(s.monitors, NewMonitor(cfg, streamer, deps))
	}
	return s
}

// Monitors returns the monitors the supervisor will run.
func (s *Supervisor) Monitors() []*Monitor { return s.monitors }

func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.monitors) == 0 {
		s.logger.Warn("no active streamers to watch")
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for i, m := range s.monitors {
		if i > 0 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			case <-time.After(spawnStagger):
			}
		}
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}

	if s.deps.Relay != nil && s.cfg.Server.StatusIntervalSeconds > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reportStatus(ctx)
		}()
	}

	s.logger.Info("supervisor running", "monitors", len(s.monitors))
	<-ctx.Done()
	wg.Wait()
	return nil
}

// reportStatus posts the worker heartbeat so the relay can tell a dead worker
// from a quiet one.
func (s *Supervisor) reportStatus(ctx context.Context) {
	interval := time.Duration(s.cfg.Server.StatusIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.deps.Relay.ReportStatus(ctx, s.statusPayload()); err != nil && ctx.Err() == nil {
				s.logger.Warn("status report failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) statusPayload() uploader.StatusPayload {
	watching := make(map[string]string, len(s.monitors))
	for _, m := range s.monitors {
		state := m.State()
		if id := m.CurrentStream(); id != "" {
			state = fmt.Sprintf("%s:%s", state, id)
		}
		watching[m.Key()] = state
	}
	host, _ := os.Hostname()
	return uploader.StatusPayload{
		Worker:   host,
		Time:     time.Now().UTC().Format(time.RFC3339),
		Watching: watching,
	}
}
