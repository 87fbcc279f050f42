package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/incantor/incant/daemon"
	"github.com/incantor/incant/events"
	"github.com/incantor/incant/hooks"
	"github.com/incantor/incant/protocol"
	"github.com/incantor/incant/script"
	statepkg "github.com/incantor/incant/state"
)

var log = commonlog.GetLogger("kernel")

// signalPollInterval is how often pending signal flags are consumed.
const signalPollInterval = 100 * time.Millisecond

// Kernel owns the listener, the sessions, and the execution engine. One
// kernel process serves many interleaved clients over one socket.
type Kernel struct {
	id      string
	cfg     Config
	engine  *Engine
	bus     *events.Bus
	hooks   *hooks.Registry
	backend statepkg.Backend
	signals *daemon.SignalBridge

	listener net.Listener
	connFile string
	started  time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	served   atomic.Uint64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
	beats        atomic.Uint64
}

// New assembles a kernel from its configuration. The script engine
// named by the config must be registered.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eng, err := script.New(cfg.DefaultEngine)
	if err != nil {
		return nil, Wrap(KindInterpreter, err, "initialize engine")
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		id:         uuid.NewString(),
		cfg:        cfg,
		bus:        events.NewBus(),
		hooks:      hooks.NewRegistry(),
		backend:    backend,
		started:    time.Now(),
		sessions:   map[string]*Session{},
		shutdownCh: make(chan struct{}),
	}
	k.engine = NewEngine(k.id, &k.cfg, eng, k.bus, k.hooks)

	if snap, err := backend.LoadCurrent(); err == nil {
		k.engine.RestoreState(snap)
		log.Infof("restored state: execution_count=%d", snap.Execution.ExecutionCount)
	} else if !errors.Is(err, statepkg.ErrNotFound) {
		log.Errorf("load state: %s", err.Error())
	}
	return k, nil
}

// openBackend selects the persistence layer named by the config.
func openBackend(cfg Config) (statepkg.Backend, error) {
	switch cfg.StateBackend {
	case "memory", "":
		return statepkg.NewMemoryBackend(), nil
	case "file":
		b, err := statepkg.NewFileBackend(cfg.StateDir)
		if err != nil {
			return nil, Wrap(KindState, err, "open file backend")
		}
		return b, nil
	case "sqlite":
		b, err := statepkg.NewSQLiteBackend(filepath.Join(cfg.StateDir, "kernel.db"))
		if err != nil {
			return nil, Wrap(KindState, err, "open sqlite backend")
		}
		return b, nil
	}
	return nil, Errorf(KindConfiguration, "unknown state_backend %q", cfg.StateBackend)
}

// ID returns the kernel identifier.
func (k *Kernel) ID() string { return k.id }

// Engine exposes the execution engine.
func (k *Kernel) Engine() *Engine { return k.engine }

// Bus exposes the event bus.
func (k *Kernel) Bus() *events.Bus { return k.bus }

// Hooks exposes the hook registry.
func (k *Kernel) Hooks() *hooks.Registry { return k.hooks }

// Addr returns the bound listen address; empty before Run.
func (k *Kernel) Addr() string {
	if k.listener == nil {
		return ""
	}
	return k.listener.Addr().String()
}

// SetSignalBridge attaches OS signal handling; optional, used by the
// daemon entrypoint.
func (k *Kernel) SetSignalBridge(b *daemon.SignalBridge) { k.signals = b }

// RequestShutdown begins a graceful stop; safe to call repeatedly.
func (k *Kernel) RequestShutdown() {
	k.shutdownOnce.Do(func() { close(k.shutdownCh) })
}

// Run binds the listener, serves clients, and blocks until shutdown is
// requested or ctx is canceled. It returns after teardown completes.
func (k *Kernel) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", k.cfg.ListenAddress)
	if err != nil {
		return Wrap(KindNetwork, err, "listen")
	}
	k.listener = ln

	info := k.connectionInfo()
	k.engine.SetConnectionInfo(info)
	k.engine.SetNotifier(k.broadcast)
	if err := k.writeConnectionFile(info); err != nil {
		log.Errorf("write connection file: %s", err.Error())
	}

	if err := k.engine.MarkReady(); err != nil {
		ln.Close()
		return err
	}
	log.Noticef("kernel %s listening on %s", k.id, ln.Addr().String())

	k.wg.Add(2)
	go k.acceptLoop(ctx)
	go k.heartbeatLoop()
	if k.signals != nil {
		k.wg.Add(1)
		go k.signalLoop()
	}

	select {
	case <-ctx.Done():
		k.RequestShutdown()
	case <-k.shutdownCh:
	}
	return k.teardown()
}

func (k *Kernel) connectionInfo() protocol.ConnectionInfo {
	addr := k.listener.Addr().String()
	port := 0
	if tcp, ok := k.listener.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return protocol.ConnectionInfo{
		KernelID:         k.id,
		TransportAddress: addr,
		Ports: protocol.PortMap{
			Shell:     port,
			IOPub:     port,
			Stdin:     port,
			Control:   port,
			Heartbeat: port,
		},
		AuthEnabled: k.cfg.AuthEnabled,
	}
}

func (k *Kernel) writeConnectionFile(info protocol.ConnectionInfo) error {
	dir := k.cfg.ConnectionDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	k.connFile = filepath.Join(dir, k.id+".json")
	return os.WriteFile(k.connFile, data, 0o644)
}

// ---------------------------------------------------------------------------
// Accept / broadcast
// ---------------------------------------------------------------------------

func (k *Kernel) acceptLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		conn, err := k.listener.Accept()
		if err != nil {
			select {
			case <-k.shutdownCh:
			default:
				log.Errorf("accept: %s", err.Error())
			}
			return
		}
		k.mu.Lock()
		full := uint32(len(k.sessions)) >= k.cfg.MaxClients
		k.mu.Unlock()
		if full {
			log.Errorf("rejecting %s: client limit %d reached", conn.RemoteAddr(), k.cfg.MaxClients)
			conn.Close()
			continue
		}
		session := newSession(uuid.NewString(), k, protocol.NewStreamTransport(conn, protocol.JSONCodec{}))
		k.mu.Lock()
		k.sessions[session.id] = session
		k.mu.Unlock()
		k.served.Add(1)
		log.Infof("session %s connected from %s", session.id, conn.RemoteAddr())
		k.bus.Emit("kernel.session.connect", map[string]any{"session": session.id}, events.LanguageNative)

		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			session.serve(ctx)
		}()
	}
}

func (k *Kernel) dropSession(s *Session) {
	s.close()
	k.mu.Lock()
	delete(k.sessions, s.id)
	k.mu.Unlock()
	log.Infof("session %s disconnected", s.id)
	k.bus.Emit("kernel.session.disconnect", map[string]any{"session": s.id}, events.LanguageNative)
}

// broadcast fans an iopub payload out to every live session.
func (k *Kernel) broadcast(parent *protocol.Message, payload any) {
	parentID := ""
	if parent != nil {
		parentID = parent.MsgID
	}
	m, err := protocol.NewNotification(protocol.ChannelIOPub, parentID, payload)
	if err != nil {
		log.Errorf("encode notification: %s", err.Error())
		return
	}
	k.mu.Lock()
	targets := make([]*Session, 0, len(k.sessions))
	for _, s := range k.sessions {
		targets = append(targets, s)
	}
	k.mu.Unlock()
	for _, s := range targets {
		if err := s.send(m); err != nil {
			log.Infof("session %s: broadcast: %s", s.id, err.Error())
		}
	}
}

// ---------------------------------------------------------------------------
// Heartbeat / signals
// ---------------------------------------------------------------------------

func (k *Kernel) heartbeatLoop() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-k.shutdownCh:
			return
		case <-ticker.C:
			k.broadcast(nil, &protocol.HeartbeatNotification{
				Op:   protocol.OpHeartbeat,
				Beat: k.beats.Add(1),
			})
		}
	}
}

func (k *Kernel) signalLoop() {
	defer k.wg.Done()
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-k.shutdownCh:
			return
		case <-ticker.C:
			for _, action := range k.signals.Poll() {
				k.handleSignal(action)
			}
		}
	}
}

func (k *Kernel) handleSignal(action daemon.Action) {
	log.Noticef("signal action: %s", action.String())
	switch action {
	case daemon.ActionShutdown:
		k.RequestShutdown()
	case daemon.ActionInterrupt:
		k.engine.Interrupt()
	case daemon.ActionReload:
		// Listener and engine identity are fixed for the process
		// lifetime; reload re-reads tunables only.
		log.Noticef("reload requested; tunables re-read on next execute")
	case daemon.ActionDumpState:
		if err := k.Checkpoint(); err != nil {
			log.Errorf("checkpoint: %s", err.Error())
		}
		name := fmt.Sprintf("signal-%d", time.Now().Unix())
		if err := k.backend.SaveSnapshot(name, k.snapshot()); err != nil {
			log.Errorf("save snapshot %s: %s", name, err.Error())
		} else {
			log.Noticef("saved snapshot %s", name)
		}
	case daemon.ActionCustom:
		enabled := k.engine.ToggleProfiler()
		if !enabled {
			report := k.engine.Profiler().Snapshot()
			log.Noticef("profiler: %d lines, %d calls, %d hot functions",
				report.Lines, report.Calls, report.HotCount)
		}
	}
}

// ---------------------------------------------------------------------------
// State persistence
// ---------------------------------------------------------------------------

func (k *Kernel) snapshot() *statepkg.Snapshot {
	k.mu.Lock()
	active := len(k.sessions)
	k.mu.Unlock()
	return k.engine.StateSnapshot(statepkg.SessionState{
		KernelID:       k.id,
		StartedAt:      k.started,
		ClientsServed:  k.served.Load(),
		ActiveSessions: active,
	})
}

// Checkpoint persists the current state through the backend.
func (k *Kernel) Checkpoint() error {
	return k.backend.SaveCurrent(k.snapshot())
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func (k *Kernel) teardown() error {
	log.Notice("shutting down")
	k.engine.BeginShutdown()
	k.broadcast(nil, &protocol.StatusNotification{
		Op:             protocol.OpStatus,
		ExecutionState: "stopping",
	})
	k.listener.Close()

	k.mu.Lock()
	sessions := make([]*Session, 0, len(k.sessions))
	for _, s := range k.sessions {
		sessions = append(sessions, s)
	}
	k.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(k.cfg.ShutdownGrace()):
		log.Error("shutdown grace expired; abandoning sessions")
	}

	if err := k.Checkpoint(); err != nil {
		log.Errorf("final checkpoint: %s", err.Error())
	}
	k.engine.Stop()
	k.bus.Close()
	if err := k.backend.Close(); err != nil {
		log.Errorf("close backend: %s", err.Error())
	}
	if k.connFile != "" {
		os.Remove(k.connFile)
	}
	log.Notice("kernel stopped")
	return nil
}
