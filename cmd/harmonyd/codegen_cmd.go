package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd"
	"pkt.systems/harmonyd/internal/codegen"
	"pkt.systems/harmonyd/internal/handoff"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/transport"
)

var codegenFlagNames = []string{
	"codegen-handoff", "codegen-app", "codegen-script", "codegen-hosts",
	"codegen-dest-host", "codegen-dest-path", "codegen-unit-timeout", "codegen-retries",
	"codegen-memo-dir", "codegen-output-dir", "codegen-transport", "codegen-seal-key", "handoff-poll",
}

// rebindFlags points the shared viper keys at this command's flags. The
// root command binds the same names to its own flag set at construction.
func rebindFlags(flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			return err
		}
	}
	return nil
}

func newCodegenCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codegen",
		Short: "Run or feed a code generation coordinator over a dir:// handoff",
	}
	cmd.AddCommand(
		newCodegenRunCommand(baseLogger),
		newCodegenSubmitCommand(baseLogger),
		newCodegenKeygenCommand(),
		newCodegenOpenCommand(),
	)
	return cmd
}

func dirHandoff(raw string) (string, error) {
	kind, dir, err := harmonyd.ParseHandoff(raw)
	if err != nil {
		return "", err
	}
	if kind != harmonyd.HandoffDir {
		return "", fmt.Errorf("--codegen-handoff must be dir:///path, got %q", raw)
	}
	return dir, nil
}

func newCodegenRunCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume batches from a dir:// handoff and run the generation script for each unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			if err := rebindFlags(cmd.Flags(), codegenFlagNames...); err != nil {
				return err
			}
			var cfg harmonyd.Config
			bindCodegenConfig(cmd, &cfg)
			cfg.CodegenEnabled = true
			if err := cfg.Validate(); err != nil {
				return err
			}
			dir, err := dirHandoff(cfg.CodegenHandoff)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.CodegenScript) == "" {
				return errors.New("--codegen-script is required")
			}
			logger := svcfields.WithSubsystem(applyLogLevel(baseLogger), "codegen.cli")
			consumer, err := handoff.NewDirConsumer(handoff.DirOptions{
				Dir:    dir,
				App:    cfg.CodegenApp,
				Poll:   cfg.HandoffPoll,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer consumer.Close()
			coord, err := harmonyd.NewCoordinator(cfg, consumer, harmonyd.CoordinatorDeps{Logger: logger})
			if err != nil {
				return err
			}
			defer coord.Close()
			logger.Info("codegen.run.start", "dir", dir, "app", cfg.CodegenApp)
			return coord.Run(cmd.Context())
		},
	}
	addCodegenFlags(cmd.Flags())
	return cmd
}

type completionOutput struct {
	App        string   `json:"app"`
	Round      uint64   `json:"round"`
	Units      int      `json:"units"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failed_keys,omitempty"`
	ShipErr    string   `json:"ship_error,omitempty"`
	OK         bool     `json:"ok"`
}

func newCodegenSubmitCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		round uint64
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   `submit "<batch>"`,
		Short: "Publish one batch (\"1 2 : 3 4 | 5 6\") into a dir:// handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := codegen.ParseBatch(args[0]); err != nil {
				return fmt.Errorf("invalid batch: %w", err)
			}
			if err := rebindFlags(cmd.Flags(), "codegen-handoff", "codegen-app", "handoff-poll"); err != nil {
				return err
			}
			dir, err := dirHandoff(viper.GetString("codegen-handoff"))
			if err != nil {
				return err
			}
			app := viper.GetString("codegen-app")
			poll := viper.GetDuration("handoff-poll")
			if poll <= 0 {
				poll = harmonyd.DefaultHandoffPoll
			}
			logger := svcfields.WithSubsystem(applyLogLevel(baseLogger), "codegen.cli")
			producer, err := handoff.NewDirProducer(handoff.DirOptions{Dir: dir, App: app, Poll: poll, Logger: logger})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := producer.Publish(ctx, handoff.Batch{App: app, Round: round, Text: args[0]}); err != nil {
				return err
			}
			if wait <= 0 {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"app": app, "round": round, "published": true})
			}
			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				comp, ok, err := producer.TakeCompletion(round)
				if err != nil {
					return err
				}
				if ok {
					return writeJSON(cmd.OutOrStdout(), completionOutput{
						App:        comp.App,
						Round:      comp.Round,
						Units:      comp.Units,
						Failed:     comp.Failed,
						FailedKeys: comp.FailedKeys,
						ShipErr:    comp.ShipErr,
						OK:         comp.OK(),
					})
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("round %d: no completion within %s", round, wait)
				case <-ticker.C:
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.String("codegen-handoff", "", "batch handoff (dir:///path)")
	flags.String("codegen-app", harmonyd.DefaultCodegenApp, "application name used in handoff files")
	flags.Duration("handoff-poll", harmonyd.DefaultHandoffPoll, "completion poll interval")
	flags.Uint64Var(&round, "round", 1, "round number of the batch")
	flags.DurationVar(&wait, "wait", 0, "wait this long for the completion flag (0 returns after publishing)")
	return cmd
}

func newCodegenKeygenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a key bundle for --codegen-seal-key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return errors.New("--out is required")
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("key bundle %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat key bundle: %w", err)
				}
			}
			bundle, err := transport.GenerateKeyBundle()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			if err := os.WriteFile(outPath, bundle, 0o600); err != nil {
				return fmt.Errorf("write key bundle: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key bundle to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "path of the key bundle to create")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key bundle")
	return cmd
}

func newCodegenOpenCommand() *cobra.Command {
	var keyPath, outPath string
	cmd := &cobra.Command{
		Use:   "open <sealed-file>",
		Short: "Decrypt an artifact uploaded with --codegen-seal-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if keyPath == "" {
				return errors.New("--key is required")
			}
			sealer, err := transport.LoadSealer(keyPath)
			if err != nil {
				return err
			}
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			plain, err := sealer.Open(in)
			if err != nil {
				return err
			}
			defer plain.Close()
			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if _, err := io.Copy(out, plain); err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "key bundle written by codegen keygen")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write plaintext here instead of stdout")
	return cmd
}
