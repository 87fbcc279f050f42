package daemon

import (
	"fmt"
	"os"

	godaemon "github.com/sevlyar/go-daemon"
)

// Exit codes for the daemon binary.
const (
	ExitOK          = 0
	ExitFork        = 3
	ExitPIDLock     = 4
	ExitConfig      = 5
	ExitInterpreter = 6
)

// Options configures detaching from the terminal.
type Options struct {
	// WorkDir is the working directory after detaching; empty keeps
	// the current one.
	WorkDir string
	// Umask is applied in the daemon process.
	Umask int
	// LogFile receives stdout and stderr; empty discards them.
	// Stdin is always redirected to /dev/null.
	LogFile string
}

// Daemonizer detaches the process from its controlling terminal by
// re-executing itself in a new session. The PID file is managed
// separately (see PIDFile) so its single-instance semantics stay
// independent of the detach mechanism.
type Daemonizer struct {
	ctx *godaemon.Context
}

// NewDaemonizer prepares a detach context from opts.
func NewDaemonizer(opts Options) *Daemonizer {
	ctx := &godaemon.Context{
		WorkDir:     opts.WorkDir,
		Umask:       opts.Umask,
		LogFileName: opts.LogFile,
		LogFilePerm: 0o640,
	}
	return &Daemonizer{ctx: ctx}
}

// Detach forks the daemon process. In the parent it returns
// (false, nil) and the caller should exit; in the daemon child it
// returns (true, nil) and the caller continues as the kernel.
func (d *Daemonizer) Detach() (child bool, err error) {
	proc, err := d.ctx.Reborn()
	if err != nil {
		return false, fmt.Errorf("daemon: detach failed: %w", err)
	}
	if proc != nil {
		// parent generation
		return false, nil
	}
	log.Infof("detached as pid %d", os.Getpid())
	return true, nil
}

// Release frees detach resources in the daemon child.
func (d *Daemonizer) Release() error {
	return d.ctx.Release()
}

// WasReborn reports whether this process is the re-executed daemon
// child.
func WasReborn() bool {
	return godaemon.WasReborn()
}
