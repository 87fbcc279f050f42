// incantd - interactive execution kernel daemon
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/incantor/incant/daemon"
	"github.com/incantor/incant/kernel"

	_ "github.com/incantor/incant/lua"
	_ "github.com/tliron/commonlog/simple"
)

var (
	configPath = flag.String("config", "", "path to TOML config file")
	listen     = flag.String("listen", "", "override listen address (host:port)")
	pidFile    = flag.String("pid-file", "", "override PID file path")
	detach     = flag.Bool("daemon", false, "detach from the terminal and run in the background")
	logFile    = flag.String("log-file", "", "log file path (required with -daemon)")
	verbosity  = flag.Int("verbose", 0, "log verbosity (0=notice, 1=info, 2=debug)")
	version    = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "incantd - interactive execution kernel\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  incantd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("incantd version %s\n", kernel.Version)
		os.Exit(daemon.ExitOK)
	}

	if *logFile != "" {
		commonlog.Configure(*verbosity, logFile)
	} else {
		commonlog.Configure(*verbosity, nil)
	}
	log := commonlog.GetLogger("incantd")

	cfg := kernel.DefaultConfig()
	if *configPath != "" {
		loaded, err := kernel.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(daemon.ExitConfig)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *pidFile != "" {
		cfg.PIDFile = *pidFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitConfig)
	}

	if *detach && !daemon.WasReborn() && *logFile == "" && cfg.StdoutPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -daemon requires -log-file or stdout_path in the config")
		os.Exit(daemon.ExitConfig)
	}

	if *detach {
		logPath := *logFile
		if logPath == "" {
			logPath = cfg.StdoutPath
		}
		d := daemon.NewDaemonizer(daemon.Options{
			WorkDir: cfg.WorkingDir,
			Umask:   int(cfg.Umask),
			LogFile: logPath,
		})
		child, err := d.Detach()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(daemon.ExitFork)
		}
		if !child {
			os.Exit(daemon.ExitOK)
		}
		defer d.Release()
	}

	os.Exit(run(log, cfg))
}

// run hosts the kernel and returns the process exit code. Split from
// main so deferred cleanup runs before os.Exit.
func run(log commonlog.Logger, cfg kernel.Config) int {
	var pf *daemon.PIDFile
	if cfg.PIDFile != "" {
		pf = daemon.NewPIDFile(cfg.PIDFile)
		if err := pf.Write(); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return daemon.ExitPIDLock
			}
			fmt.Fprintf(os.Stderr, "Error writing PID file: %v\n", err)
			return daemon.ExitPIDLock
		}
		defer pf.Remove()
	}

	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch kernel.KindOf(err) {
		case kernel.KindInterpreter:
			return daemon.ExitInterpreter
		case kernel.KindConfiguration:
			return daemon.ExitConfig
		default:
			return 1
		}
	}

	signals := daemon.NewSignalBridge()
	defer signals.Close()
	k.SetSignalBridge(signals)

	log.Noticef("incantd %s starting (kernel %s)", kernel.Version, k.ID())
	if err := k.Run(context.Background()); err != nil {
		log.Errorf("kernel: %s", err.Error())
		return 1
	}
	return daemon.ExitOK
}
