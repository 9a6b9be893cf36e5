package engine

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/bits0rcerer/wellenbrecher/internal/svcfields"
)

// Shard runs one engine on its own locked OS thread. Connections never leave
// the shard that accepted them.
type Shard struct {
	id     int
	pinCPU int
	eng    *engine
	logger pslog.Logger
	done   chan struct{}
	runErr error
}

// Spawn starts a shard for cfg. When pinCPU is >= 0 the shard thread is
// pinned to that logical CPU.
func Spawn(cfg Config, pinCPU int) (*Shard, error) {
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", cfg.ShardID, err)
	}
	s := &Shard{
		id:     cfg.ShardID,
		pinCPU: pinCPU,
		eng:    eng,
		logger: svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "shard").With("shard", cfg.ShardID),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Shard) run() {
	defer close(s.done)
	defer func() {
		// A panicking shard must not take the process down; the engine's
		// own deferred cleanup has already closed its sockets and released
		// its per-IP counts by the time this recover runs.
		if r := recover(); r != nil {
			s.runErr = fmt.Errorf("shard %d panicked: %v", s.id, r)
			s.logger.Error("wellenbrecher.shard.panic", "panic", r)
		}
	}()

	runtime.LockOSThread()
	if s.pinCPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(s.pinCPU)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			s.logger.Warn("wellenbrecher.shard.pin_failed", "cpu", s.pinCPU, "error", err)
		} else {
			s.logger.Debug("wellenbrecher.shard.pinned", "cpu", s.pinCPU)
		}
	}

	s.runErr = s.eng.run()
	if s.runErr != nil {
		s.logger.Error("wellenbrecher.shard.failed", "error", s.runErr)
	}
}

// Stop asks the shard to drain and exit. Safe to call more than once and
// from any goroutine.
func (s *Shard) Stop() {
	s.eng.stop()
}

// Done is closed once the shard has fully drained and released its sockets.
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

// Err reports why the shard exited; nil after a clean drain. Valid once Done
// is closed.
func (s *Shard) Err() error {
	return s.runErr
}
