package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/backend"
	"github.com/agent-device/agent-device/internal/config"
	"github.com/agent-device/agent-device/internal/dispatch"
	"github.com/agent-device/agent-device/internal/lease"
	"github.com/agent-device/agent-device/internal/pipeline"
	"github.com/agent-device/agent-device/internal/proc"
	"github.com/agent-device/agent-device/internal/procident"
	"github.com/agent-device/agent-device/internal/server/httpserver"
	"github.com/agent-device/agent-device/internal/server/socket"
	"github.com/agent-device/agent-device/internal/session"
)

// Daemon is the assembled control plane.
type Daemon struct {
	cfg     *config.Config
	version string

	store      *session.Store
	leases     *lease.Registry
	pipe       *pipeline.Pipeline
	cancels    *proc.CancelRegistry
	socketSrv  *socket.Server
	httpSrv    *httpserver.Server
	logFile      *os.File
	shutdownOnce sync.Once
}

// New assembles a daemon from configuration.
func New(cfg *config.Config, version string) *Daemon {
	return &Daemon{cfg: cfg, version: version}
}

// Run brings the daemon up and blocks until a shutdown signal arrives.
// Returns nil on a clean shutdown; ErrAlreadyRunning when another
// instance owns the lock.
func (d *Daemon) Run() error {
	stateDir := d.cfg.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if err := AcquireLock(stateDir, d.version); err != nil {
		return err
	}
	defer ReleaseLock(stateDir)

	if err := d.openDaemonLog(stateDir); err != nil {
		return err
	}

	token, err := newToken()
	if err != nil {
		return err
	}

	d.cancels = proc.NewCancelRegistry()
	d.store = session.NewStore(stateDir, d.cfg.AppLog.MaxBytes, d.cfg.AppLog.MaxFiles)
	d.store.SweepStaleAppLogs()

	d.leases = lease.NewRegistry(lease.Config{
		DefaultTTL:         d.cfg.LeaseTTL(),
		MinTTL:             d.cfg.LeaseMinTTL(),
		MaxTTL:             d.cfg.LeaseMaxTTL(),
		MaxSimulatorLeases: d.cfg.Lease.MaxSimulatorLeases,
	})

	discovery := backend.NewDiscovery(
		&backend.IOSSimulator{},
		&backend.IOSDevice{},
		&backend.Android{},
	)
	dispatcher := dispatch.NewDispatcher(discovery, filepath.Join(stateDir, LogFile))

	d.pipe = pipeline.New(pipeline.Config{
		Token:                   token,
		StateDir:                stateDir,
		MaxBatchSteps:           d.cfg.Daemon.MaxBatchSteps,
		AppEventTemplate:        d.cfg.Events.URLTemplate,
		AppEventTemplateIOS:     d.cfg.Events.URLTemplateIOS,
		AppEventTemplateAndroid: d.cfg.Events.URLTemplateAndroid,
	}, d.store, d.leases, dispatcher)

	md := &Metadata{
		Transport:        d.cfg.Daemon.ServerMode,
		Token:            token,
		PID:              os.Getpid(),
		ProcessStartTime: procident.ReadStartTime(os.Getpid()),
		Version:          d.version,
		StateDir:         stateDir,
	}
	if exe, err := os.Executable(); err == nil {
		md.CodeSignature = procident.CodeSignature(exe, filepath.Dir(exe))
	}

	mode := d.cfg.Daemon.ServerMode
	if mode == config.ModeSocket || mode == config.ModeDual {
		d.socketSrv = socket.NewServer(d.pipe, d.cancels)
		port, err := d.socketSrv.Start()
		if err != nil {
			return fmt.Errorf("start socket server: %w", err)
		}
		md.Port = port
		fmt.Printf("AGENT_DEVICE_DAEMON_PORT=%d\n", port)
	}
	if mode == config.ModeHTTP || mode == config.ModeDual {
		hook := httpserver.NewAuthHook(d.cfg.Daemon.AuthHookPath, d.cfg.Daemon.AuthHookExport)
		d.httpSrv = httpserver.NewServer(d.pipe, d.cancels, hook)
		port, err := d.httpSrv.Start()
		if err != nil {
			d.closeServers()
			return fmt.Errorf("start http server: %w", err)
		}
		md.HTTPPort = port
		fmt.Printf("AGENT_DEVICE_DAEMON_HTTP_PORT=%d\n", port)
	}

	if err := WriteMetadata(stateDir, md); err != nil {
		d.closeServers()
		return err
	}

	log.Info().
		Str("state_dir", stateDir).
		Str("mode", mode).
		Str("version", d.version).
		Msg("daemon ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	d.Shutdown()
	return nil
}

// Shutdown drains the daemon exactly once: servers first so no new
// requests land, then sessions (journals persist, handles die LIFO),
// then runner builds, then metadata and lock.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.closeServers()
		if d.store != nil {
			d.store.CloseAll()
		}
		proc.SweepOrphanedRunners()
		RemoveMetadata(d.cfg.StateDir)
		ReleaseLock(d.cfg.StateDir)
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}

func (d *Daemon) closeServers() {
	if d.socketSrv != nil {
		d.socketSrv.Close()
	}
	if d.httpSrv != nil {
		d.httpSrv.Close()
	}
}

// openDaemonLog truncates and attaches the daemon log file; console
// output stays on stderr alongside it.
func (d *Daemon) openDaemonLog(stateDir string) error {
	f, err := os.OpenFile(filepath.Join(stateDir, LogFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	d.logFile = f
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(d.cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return nil
}

// newToken mints the per-invocation daemon secret.
func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate daemon token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
