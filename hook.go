package clitest

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Live processes are tracked so they can be killed if the test binary is
// interrupted before they were waited for. This is a safety net; Close and
// Command.Test are the primary cleanup paths.
var live struct {
	sync.Mutex
	procs map[*Process]struct{}
	once  sync.Once
}

func track(p *Process) {
	live.once.Do(installSignalHook)
	live.Lock()
	defer live.Unlock()
	if live.procs == nil {
		live.procs = make(map[*Process]struct{})
	}
	live.procs[p] = struct{}{}
}

func untrack(p *Process) {
	live.Lock()
	defer live.Unlock()
	delete(live.procs, p)
}

// KillAll gracefully kills every process started by this package that has not
// exited yet.
func KillAll() {
	live.Lock()
	procs := make([]*Process, 0, len(live.procs))
	for p := range live.procs {
		procs = append(procs, p)
	}
	live.Unlock()

	for _, p := range procs {
		if err := p.Kill(false); err != nil {
			p.logger.Warn("kill failed", "cmd", p.line, "err", err)
		}
	}
}

func installSignalHook() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		defaultLogger().Warn("signal received, killing child processes", "signal", sig)
		KillAll()
		signal.Stop(ch)

		// Re-deliver so the default behavior still terminates the binary.
		self, err := os.FindProcess(os.Getpid())
		if err == nil {
			err = self.Signal(sig)
		}
		if err != nil {
			os.Exit(2)
		}
	}()
}
