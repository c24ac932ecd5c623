package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/harmonyd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage harmonyd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.harmonyd/" + harmonyd.DefaultConfigFileName
	if dir, err := harmonyd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, harmonyd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default harmonyd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := harmonyd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, harmonyd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	ListenProto            string   `yaml:"listen-proto"`
	MaxClients             int      `yaml:"max-clients"`
	ProbeTimeout           string   `yaml:"probe-timeout"`
	MaxFrame               string   `yaml:"max-frame"`
	GuardFailures          int      `yaml:"guard-failures"`
	GuardWindow            string   `yaml:"guard-window"`
	GuardBlock             string   `yaml:"guard-block"`
	SessionConfig          string   `yaml:"session-config"`
	Strategy               string   `yaml:"strategy"`
	Plugins                []string `yaml:"plugins"`
	StrategyTimeout        string   `yaml:"strategy-timeout"`
	TickInterval           string   `yaml:"tick-interval"`
	HistoryDir             string   `yaml:"history-dir"`
	CodegenEnabled         bool     `yaml:"codegen-enabled"`
	CodegenHandoff         string   `yaml:"codegen-handoff"`
	CodegenApp             string   `yaml:"codegen-app"`
	CodegenScript          string   `yaml:"codegen-script"`
	CodegenHosts           string   `yaml:"codegen-hosts"`
	CodegenDestHost        string   `yaml:"codegen-dest-host"`
	CodegenDestPath        string   `yaml:"codegen-dest-path"`
	CodegenUnitTimeout     string   `yaml:"codegen-unit-timeout"`
	CodegenRetries         int      `yaml:"codegen-retries"`
	CodegenMemoDir         string   `yaml:"codegen-memo-dir"`
	CodegenOutputDir       string   `yaml:"codegen-output-dir"`
	CodegenTransport       string   `yaml:"codegen-transport"`
	CodegenSealKey         string   `yaml:"codegen-seal-key"`
	HandoffPoll            string   `yaml:"handoff-poll"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:             harmonyd.DefaultListen,
		ListenProto:        harmonyd.DefaultListenProto,
		ProbeTimeout:       harmonyd.DefaultProbeTimeout.String(),
		MaxFrame:           humanizeBytes(harmonyd.DefaultMaxFrame),
		GuardWindow:        harmonyd.DefaultGuardWindow.String(),
		GuardBlock:         harmonyd.DefaultGuardBlock.String(),
		Strategy:           harmonyd.DefaultStrategy,
		Plugins:            []string{},
		StrategyTimeout:    harmonyd.DefaultStrategyTimeout.String(),
		TickInterval:       harmonyd.DefaultTickInterval.String(),
		CodegenHandoff:     harmonyd.DefaultCodegenHandoff,
		CodegenApp:         harmonyd.DefaultCodegenApp,
		CodegenUnitTimeout: "0s",
		CodegenRetries:     harmonyd.DefaultCodegenRetries,
		CodegenTransport:   harmonyd.DefaultCodegenTransport,
		HandoffPoll:        harmonyd.DefaultHandoffPoll.String(),
		MetricsListen:      harmonyd.DefaultMetricsListen,
		PprofListen:        harmonyd.DefaultPprofListen,
		ShutdownTimeout:    harmonyd.DefaultShutdownTimeout.String(),
		LogLevel:           "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
