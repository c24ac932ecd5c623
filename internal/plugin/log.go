package plugin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/space"
	"pkt.systems/harmonyd/internal/strategy"
	"pkt.systems/harmonyd/internal/svcfields"
)

// Log records every fetched point and report. With log.file set it also
// appends a plain text trace:
//
//	<RFC3339> fetch  <id> <idx>
//	<RFC3339> report <id> <idx> <perf>
type Log struct {
	logger pslog.Logger
	clock  clock.Clock
	sig    space.Signature

	mu   sync.Mutex
	file *os.File
}

func (l *Log) Name() string { return "log" }

func (l *Log) Init(_ context.Context, env Env) error {
	l.logger = svcfields.WithSubsystem(svcfields.Ensure(env.Logger), "session.plugin.log")
	l.clock = clock.Ensure(env.Clock)
	l.sig = env.Signature
	if env.Config == nil {
		return nil
	}
	path := env.Config.String("log.file", "")
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log.file: %w", err)
	}
	l.file = f
	return nil
}

func (l *Log) Fetch(_ context.Context, pt *space.Point) Result {
	l.logger.Info("plugin.log.fetch", "point", pt.ID, "idx", pt.IndexString(), "values", l.values(*pt))
	l.write("fetch  " + strconv.FormatInt(pt.ID, 10) + " " + pt.IndexString())
	return Proceed()
}

func (l *Log) Report(_ context.Context, trial *strategy.Trial) Result {
	l.logger.Info("plugin.log.report", "point", trial.Point.ID, "idx", trial.Point.IndexString(), "perf", trial.Perf, "client", trial.Client)
	l.write("report " + strconv.FormatInt(trial.Point.ID, 10) + " " + trial.Point.IndexString() + " " + strconv.FormatFloat(trial.Perf, 'g', -1, 64))
	return Proceed()
}

func (l *Log) values(pt space.Point) string {
	vals, err := pt.Values(l.sig)
	if err != nil {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func (l *Log) write(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := fmt.Fprintf(l.file, "%s %s\n", l.clock.Now().Format("2006-01-02T15:04:05Z07:00"), line); err != nil {
		l.logger.Warn("plugin.log.write_failed", "error", err)
	}
}

func (l *Log) Fini() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
