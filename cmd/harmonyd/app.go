package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd"
	"pkt.systems/harmonyd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HARMONYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "harmonyd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so that failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			consumeNext := false
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := harmonyd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, harmonyd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

var serverFlagNames = []string{
	"config",
	"listen", "listen-proto", "max-clients", "probe-timeout", "max-frame",
	"guard-failures", "guard-window", "guard-block",
	"session-config", "strategy", "plugins", "strategy-timeout", "tick-interval", "history-dir",
	"codegen-enabled", "codegen-handoff", "codegen-app", "codegen-script", "codegen-hosts",
	"codegen-dest-host", "codegen-dest-path", "codegen-unit-timeout", "codegen-retries",
	"codegen-memo-dir", "codegen-output-dir", "codegen-transport", "codegen-seal-key", "handoff-poll",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"shutdown-timeout", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg harmonyd.Config
	cmd := &cobra.Command{
		Use:           "harmonyd",
		Short:         "harmonyd serves online auto-tuning sessions and coordinates code generation for them",
		SilenceErrors: true,
		Example: `
  # Exhaustive search by default, history under /var/lib/harmonyd
  harmonyd --strategy exhaustive --history-dir /var/lib/harmonyd/history

  # Hold points until code has been generated for them (in-process coordinator)
  harmonyd --codegen-enabled --codegen-script ./gen.sh --codegen-hosts "build1*4,build2*4"

  # Same, with the coordinator running separately over a spool directory
  harmonyd --codegen-enabled --codegen-handoff dir:///var/spool/harmonyd
  harmonyd codegen run --codegen-handoff dir:///var/spool/harmonyd --codegen-script ./gen.sh --codegen-hosts localhost*8
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to harmonyd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(cmd, &cfg); err != nil {
				return err
			}
			logger = applyLogLevel(logger)
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := harmonyd.NewServer(cfg, harmonyd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = server.Close() }()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.harmonyd/"+harmonyd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	flags := cmd.Flags()
	addServerFlags(flags)
	addCodegenFlags(flags)

	viper.SetEnvPrefix("HARMONYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newCodegenCommand(baseLogger))
	return cmd
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.String("listen", harmonyd.DefaultListen, "listen address (protocol clients and HTTP share it)")
	flags.String("listen-proto", harmonyd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Int("max-clients", 0, "maximum open sockets (0 is unlimited)")
	flags.Duration("probe-timeout", harmonyd.DefaultProbeTimeout, "how long a new socket may stay silent before it is closed")
	flags.String("max-frame", humanizeBytes(harmonyd.DefaultMaxFrame), "maximum protocol frame size")
	flags.Int("guard-failures", 0, "misbehaving sockets from one address before it is blocked (0 disables)")
	flags.Duration("guard-window", harmonyd.DefaultGuardWindow, "window in which guard failures are counted")
	flags.Duration("guard-block", harmonyd.DefaultGuardBlock, "how long a guarded address stays blocked")
	flags.String("session-config", "", "key=value file loaded into the server config store")
	flags.String("strategy", harmonyd.DefaultStrategy, "default search strategy (exhaustive, random)")
	flags.StringSlice("plugins", nil, "default plugin chain, outermost first (log, agg, codegen)")
	flags.Duration("strategy-timeout", harmonyd.DefaultStrategyTimeout, "bound on each strategy call (negative disables)")
	flags.Duration("tick-interval", harmonyd.DefaultTickInterval, "plugin poll and prefetch refill interval")
	flags.String("history-dir", "", "directory for per-session history logs (empty disables)")
	flags.String("metrics-listen", harmonyd.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", harmonyd.DefaultPprofListen, "pprof endpoint (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", harmonyd.DefaultShutdownTimeout, "graceful shutdown budget")
}

func addCodegenFlags(flags *pflag.FlagSet) {
	flags.Bool("codegen-enabled", false, "allow sessions to use the codegen plugin")
	flags.String("codegen-handoff", harmonyd.DefaultCodegenHandoff, "batch handoff (mailbox or dir:///path)")
	flags.String("codegen-app", harmonyd.DefaultCodegenApp, "application name used in handoff files")
	flags.String("codegen-script", "", "generation script run once per unit")
	flags.String("codegen-hosts", "", "worker hosts, host[*slots] separated by commas")
	flags.String("codegen-dest-host", "", "host receiving generated artifacts")
	flags.String("codegen-dest-path", "", "path on the destination host")
	flags.Duration("codegen-unit-timeout", 0, "kill a unit after this long (0 waits forever)")
	flags.Int("codegen-retries", harmonyd.DefaultCodegenRetries, "extra attempts for a failed unit")
	flags.String("codegen-memo-dir", "", "badger directory remembering generated vectors across restarts")
	flags.String("codegen-output-dir", "", "directory generated artifacts are written to")
	flags.String("codegen-transport", harmonyd.DefaultCodegenTransport, "artifact transport (none, script:///path, s3://host/bucket/prefix, aws://bucket/prefix, azure://account/container/prefix)")
	flags.String("codegen-seal-key", "", "key bundle sealing artifacts before upload (see codegen keygen)")
	flags.Duration("handoff-poll", harmonyd.DefaultHandoffPoll, "directory handoff poll interval")
}

func bindConfig(cmd *cobra.Command, cfg *harmonyd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MaxClients = viper.GetInt("max-clients")
	cfg.ProbeTimeout = viper.GetDuration("probe-timeout")
	if raw := strings.TrimSpace(viper.GetString("max-frame")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("invalid --max-frame %q: %w", raw, err)
		}
		cfg.MaxFrame = int(n)
	}
	cfg.GuardFailures = viper.GetInt("guard-failures")
	cfg.GuardWindow = viper.GetDuration("guard-window")
	cfg.GuardBlock = viper.GetDuration("guard-block")
	cfg.SessionConfig = viper.GetString("session-config")
	cfg.Strategy = viper.GetString("strategy")
	cfg.Plugins = viper.GetStringSlice("plugins")
	cfg.StrategyTimeout = viper.GetDuration("strategy-timeout")
	cfg.TickInterval = viper.GetDuration("tick-interval")
	cfg.HistoryDir = viper.GetString("history-dir")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	bindCodegenConfig(cmd, cfg)
	return nil
}

func bindCodegenConfig(cmd *cobra.Command, cfg *harmonyd.Config) {
	cfg.CodegenEnabled = viper.GetBool("codegen-enabled")
	cfg.CodegenHandoff = viper.GetString("codegen-handoff")
	cfg.CodegenApp = viper.GetString("codegen-app")
	cfg.CodegenScript = viper.GetString("codegen-script")
	cfg.CodegenHosts = viper.GetString("codegen-hosts")
	cfg.CodegenDestHost = viper.GetString("codegen-dest-host")
	cfg.CodegenDestPath = viper.GetString("codegen-dest-path")
	cfg.CodegenUnitTimeout = viper.GetDuration("codegen-unit-timeout")
	cfg.CodegenRetries = viper.GetInt("codegen-retries")
	_, envSet := os.LookupEnv("HARMONYD_CODEGEN_RETRIES")
	flag := cmd.Flags().Lookup("codegen-retries")
	cfg.CodegenRetriesSet = (flag != nil && flag.Changed) || viper.InConfig("codegen-retries") || envSet
	cfg.CodegenMemoDir = viper.GetString("codegen-memo-dir")
	cfg.CodegenOutputDir = viper.GetString("codegen-output-dir")
	cfg.CodegenTransport = viper.GetString("codegen-transport")
	cfg.CodegenSealKey = viper.GetString("codegen-seal-key")
	cfg.HandoffPoll = viper.GetDuration("handoff-poll")
}

func applyLogLevel(logger pslog.Logger) pslog.Logger {
	raw := strings.TrimSpace(viper.GetString("log-level"))
	if raw == "" {
		return logger
	}
	if level, ok := pslog.ParseLevel(raw); ok {
		return logger.LogLevel(level)
	}
	return logger
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
