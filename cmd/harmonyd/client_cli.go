package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/client"
	"pkt.systems/harmonyd/internal/svcfields"
)

const (
	clientServerKey  = "client.server"
	clientTimeoutKey = "client.timeout"

	defaultClientServer = "127.0.0.1:1979"
)

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	logger pslog.Logger
}

func (c *clientCLIConfig) dial(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	timeout := viper.GetDuration(clientTimeoutKey)
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	logger := applyLogLevel(c.logger)
	opts = append([]client.Option{client.WithTimeout(timeout), client.WithLogger(logger)}, opts...)
	return client.Dial(ctx, server, opts...)
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{logger: svcfields.WithSubsystem(baseLogger, "client.cli")}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running harmonyd server over the tuning protocol",
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "server address (host:port or unix:///path)")
	flags.Duration("timeout", client.DefaultTimeout, "per-request timeout")
	mustBindFlag(clientServerKey, "HARMONYD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "HARMONYD_CLIENT_TIMEOUT", flags.Lookup("timeout"))

	cmd.AddCommand(
		newClientRegisterCommand(cfg),
		newClientFetchCommand(cfg),
		newClientReportCommand(cfg),
		newClientQueryCommand(cfg),
		newClientInformCommand(cfg),
	)
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type pointOutput struct {
	ID     int64             `json:"id"`
	Index  []int64           `json:"idx,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

func describePoint(pt client.Point, sig client.Signature) *pointOutput {
	if !pt.Valid() {
		return nil
	}
	out := &pointOutput{ID: pt.ID, Index: pt.Index}
	if vals, err := pt.Values(sig); err == nil {
		out.Values = make(map[string]string, len(vals))
		for i, v := range vals {
			out.Values[sig.Ranges[i].Name] = v.String()
		}
	}
	return out
}

type sessionFlags struct {
	name   string
	ranges []string
	config []string
}

func (f *sessionFlags) add(flags *pflag.FlagSet) {
	flags.StringVar(&f.name, "session", "", "session name")
	flags.StringArrayVar(&f.ranges, "range", nil, "launch with this variable (name:int[min,max,step], name:real[...], name:enum[a,b])")
	flags.StringArrayVar(&f.config, "set", nil, "launch config pair key=value")
}

// bind registers and then launches or joins the session.
func (f *sessionFlags) bind(ctx context.Context, cli *client.Client) (client.Signature, error) {
	if strings.TrimSpace(f.name) == "" {
		return client.Signature{}, fmt.Errorf("--session is required")
	}
	if _, err := cli.Register(ctx); err != nil {
		return client.Signature{}, err
	}
	if len(f.ranges) == 0 {
		return cli.Join(ctx, f.name)
	}
	sig, err := client.ParseSignature(f.name, f.ranges...)
	if err != nil {
		return client.Signature{}, err
	}
	pairs, err := parsePairs(f.config)
	if err != nil {
		return client.Signature{}, err
	}
	return cli.Launch(ctx, sig, pairs)
}

func parsePairs(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, pair := range raw {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid config pair %q (want key=value)", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseIndex(raw string) ([]int64, error) {
	var idx []int64
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := cast.ToInt64E(part)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %w", part, err)
		}
		idx = append(idx, n)
	}
	return idx, nil
}

func newClientRegisterCommand(cfg *clientCLIConfig) *cobra.Command {
	var prior int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Obtain a client id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var opts []client.Option
			if prior > 0 {
				opts = append(opts, client.WithPriorID(prior))
			}
			cli, err := cfg.dial(ctx, opts...)
			if err != nil {
				return err
			}
			defer cli.Close()
			id, err := cli.Register(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"id": id})
		},
	}
	cmd.Flags().Int64Var(&prior, "prior-id", 0, "ask for this id back")
	return cmd
}

func newClientFetchCommand(cfg *clientCLIConfig) *cobra.Command {
	var session sessionFlags
	var count int
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Join (or launch) a session and fetch candidate configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, err := cfg.dial(ctx)
			if err != nil {
				return err
			}
			defer cli.Close()
			sig, err := session.bind(ctx, cli)
			if err != nil {
				return err
			}
			if count < 1 {
				count = 1
			}
			type fetchOutput struct {
				Client    int64        `json:"client"`
				Point     *pointOutput `json:"point,omitempty"`
				Best      *pointOutput `json:"best,omitempty"`
				Stamp     int64        `json:"stamp"`
				Busy      bool         `json:"busy"`
				Converged bool         `json:"converged"`
			}
			for range count {
				cand, err := cli.Fetch(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), fetchOutput{
					Client:    cli.ID(),
					Point:     describePoint(cand.Point, sig),
					Best:      describePoint(cand.Best, sig),
					Stamp:     cand.Stamp,
					Busy:      cand.Busy,
					Converged: cand.Converged,
				}); err != nil {
					return err
				}
				if cand.Converged {
					break
				}
			}
			return nil
		},
	}
	session.add(cmd.Flags())
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of fetches")
	return cmd
}

func newClientReportCommand(cfg *clientCLIConfig) *cobra.Command {
	var session sessionFlags
	var pointID int64
	var idxRaw string
	var perf float64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report the measured performance of a configuration (lower is better)",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(idxRaw)
			if err != nil {
				return err
			}
			if pointID < 0 || len(idx) == 0 {
				return fmt.Errorf("--point-id and --idx are required")
			}
			ctx := cmd.Context()
			cli, err := cfg.dial(ctx)
			if err != nil {
				return err
			}
			defer cli.Close()
			sig, err := session.bind(ctx, cli)
			if err != nil {
				return err
			}
			out, err := cli.Report(ctx, client.Point{ID: pointID, Index: idx}, perf)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"best":      describePoint(out.Best, sig),
				"busy":      out.Busy,
				"converged": out.Converged,
			})
		},
	}
	session.add(cmd.Flags())
	cmd.Flags().Int64Var(&pointID, "point-id", -1, "id of the tested point")
	cmd.Flags().StringVar(&idxRaw, "idx", "", "index vector of the tested point (e.g. 3,0,1)")
	cmd.Flags().Float64Var(&perf, "perf", 0, "measured performance")
	return cmd
}

// storeClient dials and, with --session, joins so that config calls hit
// the session store instead of the server store.
func storeClient(ctx context.Context, cfg *clientCLIConfig, session string) (*client.Client, error) {
	cli, err := cfg.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := cli.Register(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	if session != "" {
		if _, err := cli.Join(ctx, session); err != nil {
			_ = cli.Close()
			return nil, err
		}
	}
	return cli, nil
}

func newClientQueryCommand(cfg *clientCLIConfig) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "query <key>",
		Short: "Read a config key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, err := storeClient(ctx, cfg, session)
			if err != nil {
				return err
			}
			defer cli.Close()
			val, err := cli.Query(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), val)
			return err
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "read from this session's store")
	return cmd
}

func newClientInformCommand(cfg *clientCLIConfig) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "inform <key> <value>",
		Short: "Set a config key and print its previous value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, err := storeClient(ctx, cfg, session)
			if err != nil {
				return err
			}
			defer cli.Close()
			prev, err := cli.Inform(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), prev)
			return err
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "write to this session's store")
	return cmd
}
