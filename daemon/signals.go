package daemon

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Action is the semantic meaning of a received signal.
type Action int

const (
	ActionNone Action = iota
	ActionShutdown
	ActionInterrupt
	ActionReload
	ActionDumpState
	ActionCustom
)

func (a Action) String() string {
	switch a {
	case ActionShutdown:
		return "shutdown"
	case ActionInterrupt:
		return "interrupt"
	case ActionReload:
		return "reload"
	case ActionDumpState:
		return "dump_state"
	case ActionCustom:
		return "custom"
	}
	return "none"
}

// SignalBridge translates Unix signals into polled actions. The
// notification goroutine only sets per-signal atomic flags; Poll
// consumes them with compare-and-swap so each signal delivery yields
// at most one action.
type SignalBridge struct {
	term atomic.Bool
	intr atomic.Bool
	hup  atomic.Bool
	usr1 atomic.Bool
	usr2 atomic.Bool

	ch   chan os.Signal
	done chan struct{}
}

// NewSignalBridge installs the handlers. SIGPIPE is ignored.
func NewSignalBridge() *SignalBridge {
	b := &SignalBridge{
		ch:   make(chan os.Signal, 8),
		done: make(chan struct{}),
	}
	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(b.ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go b.drain()
	return b
}

func (b *SignalBridge) drain() {
	for {
		select {
		case sig := <-b.ch:
			switch sig {
			case syscall.SIGTERM:
				b.term.Store(true)
			case syscall.SIGINT:
				b.intr.Store(true)
			case syscall.SIGHUP:
				b.hup.Store(true)
			case syscall.SIGUSR1:
				b.usr1.Store(true)
			case syscall.SIGUSR2:
				b.usr2.Store(true)
			}
		case <-b.done:
			return
		}
	}
}

// Poll consumes and returns the pending actions, most urgent first.
func (b *SignalBridge) Poll() []Action {
	var actions []Action
	if b.term.CompareAndSwap(true, false) {
		actions = append(actions, ActionShutdown)
	}
	if b.intr.CompareAndSwap(true, false) {
		actions = append(actions, ActionInterrupt)
	}
	if b.hup.CompareAndSwap(true, false) {
		actions = append(actions, ActionReload)
	}
	if b.usr1.CompareAndSwap(true, false) {
		actions = append(actions, ActionDumpState)
	}
	if b.usr2.CompareAndSwap(true, false) {
		actions = append(actions, ActionCustom)
	}
	return actions
}

// Raise marks a signal as if it had been delivered. Used by tests and
// by in-process shutdown paths.
func (b *SignalBridge) Raise(sig os.Signal) {
	select {
	case b.ch <- sig:
	default:
	}
}

// Close uninstalls the handlers and stops the drain goroutine.
func (b *SignalBridge) Close() {
	signal.Stop(b.ch)
	close(b.done)
}
