package harmonyd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/mux"
	"pkt.systems/harmonyd/internal/session"
	"pkt.systems/harmonyd/internal/wire"
	"pkt.systems/harmonyd/internal/workerpool"
)

const (
	// DefaultListen is the address the server binds to.
	DefaultListen = ":1979"
	// DefaultListenProto is the listener network.
	DefaultListenProto = "tcp"
	// DefaultProbeTimeout bounds how long a new socket may stay silent.
	DefaultProbeTimeout = mux.DefaultProbeTimeout
	// DefaultMaxFrame caps a single protocol frame.
	DefaultMaxFrame = wire.DefaultMaxFrame
	// DefaultStrategy is the strategy sessions start with unless they ask
	// for another one.
	DefaultStrategy = session.DefaultStrategy
	// DefaultStrategyTimeout bounds each strategy call.
	DefaultStrategyTimeout = session.DefaultStrategyTimeout
	// DefaultTickInterval drives plugin polling and prefetch refills.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultCodegenHandoff keeps producer and coordinator in one process.
	DefaultCodegenHandoff = "mailbox"
	// DefaultCodegenApp names the application in handoff file names.
	DefaultCodegenApp = "harmony"
	// DefaultCodegenRetries is the extra attempts a failed unit gets.
	DefaultCodegenRetries = codegen.DefaultRetries
	// DefaultCodegenTransport ships nothing.
	DefaultCodegenTransport = "none"
	// DefaultHandoffPoll backs up the directory watcher.
	DefaultHandoffPoll = handoff.DefaultPollInterval
	// DefaultGuardWindow is the window in which probe failures are counted.
	DefaultGuardWindow = 10 * time.Second
	// DefaultGuardBlock is how long a misbehaving remote stays blocked.
	DefaultGuardBlock = time.Minute
	// DefaultShutdownTimeout caps the graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is empty: metrics are off unless asked for.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is off unless asked for.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the file "harmonyd config gen" writes.
	DefaultConfigFileName = "config.yaml"
	// SessionEnvPrefix is the environment prefix for session config keys
	// (HARMONY_SESSION_STRATEGY overrides session.strategy).
	SessionEnvPrefix = "HARMONY"
)

// Config captures the tunables for a harmonyd server.
type Config struct {
	Listen       string
	ListenProto  string
	MaxClients   int
	ProbeTimeout time.Duration
	MaxFrame     int

	// GuardFailures blocks a remote after this many failed probes within
	// GuardWindow. Zero disables the guard.
	GuardFailures int
	GuardWindow   time.Duration
	GuardBlock    time.Duration

	// SessionConfig is a key=value file loaded into the server store.
	SessionConfig string
	// Strategy and Plugins seed session.strategy and session.plugins.
	Strategy        string
	Plugins         []string
	StrategyTimeout time.Duration
	TickInterval    time.Duration
	// HistoryDir keeps one log per session. Empty keeps history in memory.
	HistoryDir string

	CodegenEnabled bool
	// CodegenHandoff is "mailbox" or "dir:///path".
	CodegenHandoff     string
	CodegenApp         string
	CodegenScript      string
	CodegenHosts       string
	CodegenDestHost    string
	CodegenDestPath    string
	CodegenUnitTimeout time.Duration
	CodegenRetries     int
	CodegenRetriesSet  bool
	CodegenMemoDir     string
	CodegenOutputDir   string
	CodegenTransport   string
	// CodegenSealKey is a key bundle path; when set, object store
	// transports upload sealed artifacts.
	CodegenSealKey string
	HandoffPoll    time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	ShutdownTimeout        time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("config: max clients must be >= 0")
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = DefaultMaxFrame
	}
	if c.MaxFrame < wire.HeaderSize+64 {
		return fmt.Errorf("config: max frame %d is too small", c.MaxFrame)
	}
	if c.GuardFailures < 0 {
		return fmt.Errorf("config: guard failures must be >= 0")
	}
	if c.GuardWindow <= 0 {
		c.GuardWindow = DefaultGuardWindow
	}
	if c.GuardBlock <= 0 {
		c.GuardBlock = DefaultGuardBlock
	}
	c.Strategy = strings.TrimSpace(c.Strategy)
	if c.Strategy == "" {
		c.Strategy = DefaultStrategy
	}
	plugins := c.Plugins[:0:0]
	for _, p := range c.Plugins {
		for _, name := range strings.FieldsFunc(p, func(r rune) bool { return r == ',' || r == ':' }) {
			if name = strings.TrimSpace(name); name != "" {
				plugins = append(plugins, name)
			}
		}
	}
	c.Plugins = plugins
	if c.StrategyTimeout == 0 {
		c.StrategyTimeout = DefaultStrategyTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return c.validateCodegen()
}

func (c *Config) validateCodegen() error {
	if c.CodegenHandoff == "" {
		c.CodegenHandoff = DefaultCodegenHandoff
	}
	if c.CodegenApp == "" {
		c.CodegenApp = DefaultCodegenApp
	}
	if !c.CodegenRetriesSet && c.CodegenRetries == 0 {
		c.CodegenRetries = DefaultCodegenRetries
	}
	if c.CodegenRetries < 0 {
		return fmt.Errorf("config: codegen retries must be >= 0")
	}
	if c.CodegenTransport == "" {
		c.CodegenTransport = DefaultCodegenTransport
	}
	if c.HandoffPoll <= 0 {
		c.HandoffPoll = DefaultHandoffPoll
	}
	if c.CodegenSealKey != "" {
		if _, err := os.Stat(c.CodegenSealKey); err != nil {
			return fmt.Errorf("config: codegen-seal-key: %w", err)
		}
	}
	if !c.CodegenEnabled {
		return nil
	}
	kind, _, err := ParseHandoff(c.CodegenHandoff)
	if err != nil {
		return err
	}
	if kind != HandoffMailbox {
		return nil
	}
	// The in-process coordinator needs something to run.
	if strings.TrimSpace(c.CodegenScript) == "" {
		return fmt.Errorf("config: codegen-script is required with the mailbox handoff")
	}
	if _, err := workerpool.ParseHosts(c.CodegenHosts); err != nil {
		return fmt.Errorf("config: codegen-hosts: %w", err)
	}
	return nil
}

// HandoffKind selects the code generation handoff.
type HandoffKind string

const (
	// HandoffMailbox runs the coordinator inside the server.
	HandoffMailbox HandoffKind = "mailbox"
	// HandoffDir exchanges batches through files with a separate
	// "harmonyd codegen run" process.
	HandoffDir HandoffKind = "dir"
)

// ParseHandoff splits "mailbox" or "dir:///path" into its kind and
// directory.
func ParseHandoff(raw string) (HandoffKind, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == string(HandoffMailbox) {
		return HandoffMailbox, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("config: codegen handoff %q: %w", raw, err)
	}
	if u.Scheme != string(HandoffDir) {
		return "", "", fmt.Errorf("config: codegen handoff %q: want mailbox or dir:///path", raw)
	}
	dir := u.Path
	if u.Host != "" {
		dir = filepath.Join(u.Host, u.Path)
	}
	if dir == "" {
		return "", "", fmt.Errorf("config: codegen handoff %q: directory required", raw)
	}
	return HandoffDir, filepath.Clean(dir), nil
}

// StoreDefaults are the compiled-in server store values. Sessions read
// every key through their own store, which falls through to these.
func (c Config) StoreDefaults() map[string]string {
	return map[string]string{
		session.KeyStrategy:       c.Strategy,
		session.KeyPlugins:        strings.Join(c.Plugins, ","),
		session.KeyPrefetchCount:  "0",
		session.KeyPrefetchAtomic: "false",
		"strategy.timeout":        c.StrategyTimeout.String(),
		"codegen.enabled":         strconv.FormatBool(c.CodegenEnabled),
		"codegen.app":             c.CodegenApp,
	}
}

// DefaultConfigDir returns the directory "harmonyd config gen" writes to.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HARMONYD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".harmonyd"), nil
}
