package handoff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/svcfields"
)

const (
	candidatePrefix = "candidate_simplex."
	candidateSuffix = ".dat"
	completePrefix  = "code_complete."
	tmpSuffix       = ".tmp"

	// DefaultPollInterval backs up the directory watcher.
	DefaultPollInterval = time.Second
)

// DirOptions configures both ends of the directory handoff.
type DirOptions struct {
	Dir    string
	App    string
	Poll   time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

func (o *DirOptions) normalize() error {
	if strings.TrimSpace(o.Dir) == "" {
		return fmt.Errorf("handoff: directory required")
	}
	if o.App == "" || strings.ContainsAny(o.App, "./"+string(os.PathSeparator)) {
		return fmt.Errorf("handoff: invalid app name %q", o.App)
	}
	if o.Poll <= 0 {
		o.Poll = DefaultPollInterval
	}
	o.Clock = clock.Ensure(o.Clock)
	o.Logger = svcfields.WithSubsystem(svcfields.Ensure(o.Logger), "codegen.handoff.dir")
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return fmt.Errorf("handoff: prepare directory %q: %w", o.Dir, err)
	}
	return nil
}

func candidateName(app string, round uint64) string {
	return candidatePrefix + app + "." + strconv.FormatUint(round, 10) + candidateSuffix
}

func completeName(app string, round uint64) string {
	return completePrefix + app + "." + strconv.FormatUint(round, 10)
}

// parseRound extracts the round from "<prefix><app>.<round><suffix>".
func parseRound(name, prefix, app, suffix string) (uint64, bool) {
	head := prefix + app + "."
	if !strings.HasPrefix(name, head) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(name[len(head):len(name)-len(suffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// writeAtomic publishes data under name by renaming a temp file into place.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// sweep removes entries for which match returns true.
func sweep(dir string, match func(string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func listRounds(dir, prefix, app, suffix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var rounds []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if r, ok := parseRound(e.Name(), prefix, app, suffix); ok {
			rounds = append(rounds, r)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds, nil
}

// DirProducer is the session side of the directory handoff.
type DirProducer struct {
	opts DirOptions
}

// NewDirProducer prepares the directory and removes completion flags and
// candidates left behind by a previous run of app.
func NewDirProducer(opts DirOptions) (*DirProducer, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	n, err := sweep(opts.Dir, func(name string) bool {
		if _, ok := parseRound(name, completePrefix, opts.App, ""); ok {
			return true
		}
		_, ok := parseRound(name, candidatePrefix, opts.App, candidateSuffix)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("handoff: clear stale files in %q: %w", opts.Dir, err)
	}
	if n > 0 {
		opts.Logger.Info("handoff.dir.stale_removed", "dir", opts.Dir, "app", opts.App, "count", n)
	}
	return &DirProducer{opts: opts}, nil
}

// Publish writes the batch file. It fails with ErrSlotFull while an earlier
// candidate of the same app has not been consumed.
func (p *DirProducer) Publish(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rounds, err := listRounds(p.opts.Dir, candidatePrefix, p.opts.App, candidateSuffix)
	if err != nil {
		return fmt.Errorf("handoff: scan %q: %w", p.opts.Dir, err)
	}
	if len(rounds) > 0 {
		return ErrSlotFull
	}
	name := candidateName(p.opts.App, b.Round)
	if err := writeAtomic(p.opts.Dir, name, []byte(b.Text+"\n")); err != nil {
		return fmt.Errorf("handoff: publish %s: %w", name, err)
	}
	p.opts.Logger.Debug("handoff.dir.published", "file", name, "round", b.Round)
	return nil
}

// TakeCompletion reads and removes the completion flag for round.
func (p *DirProducer) TakeCompletion(round uint64) (Completion, bool, error) {
	path := filepath.Join(p.opts.Dir, completeName(p.opts.App, round))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Completion{}, false, nil
	}
	if err != nil {
		return Completion{}, false, fmt.Errorf("handoff: read completion flag: %w", err)
	}
	c, err := ParseCompletion(p.opts.App, round, string(data))
	if err != nil {
		return Completion{}, false, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Completion{}, false, fmt.Errorf("handoff: remove completion flag: %w", err)
	}
	return c, true, nil
}

// DirConsumer is the coordinator side of the directory handoff.
type DirConsumer struct {
	opts    DirOptions
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewDirConsumer removes stale temp files and starts watching the
// directory. Without inotify support it falls back to polling alone.
func NewDirConsumer(opts DirOptions) (*DirConsumer, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if _, err := sweep(opts.Dir, func(name string) bool { return strings.HasSuffix(name, tmpSuffix) }); err != nil {
		return nil, fmt.Errorf("handoff: clear temp files in %q: %w", opts.Dir, err)
	}
	c := &DirConsumer{
		opts:   opts,
		events: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(opts.Dir); addErr != nil {
			watcher.Close()
			watcher = nil
			err = addErr
		}
	}
	if err != nil {
		opts.Logger.Warn("handoff.dir.watch_unavailable", "dir", opts.Dir, "error", err)
		close(c.done)
		return c, nil
	}
	c.watcher = watcher
	go c.run()
	return c, nil
}

func (c *DirConsumer) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				c.signal()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *DirConsumer) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}

// Next returns the oldest waiting batch, removing its file.
func (c *DirConsumer) Next(ctx context.Context) (Batch, error) {
	ticker := c.opts.Clock.NewTicker(c.opts.Poll)
	defer ticker.Stop()
	for {
		b, ok, err := c.take()
		if err != nil {
			return Batch{}, err
		}
		if ok {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-c.stop:
			return Batch{}, ErrClosed
		case <-c.events:
		case <-ticker.C():
		}
	}
}

func (c *DirConsumer) take() (Batch, bool, error) {
	rounds, err := listRounds(c.opts.Dir, candidatePrefix, c.opts.App, candidateSuffix)
	if err != nil {
		return Batch{}, false, fmt.Errorf("handoff: scan %q: %w", c.opts.Dir, err)
	}
	for _, round := range rounds {
		path := filepath.Join(c.opts.Dir, candidateName(c.opts.App, round))
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Batch{}, false, fmt.Errorf("handoff: read %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Batch{}, false, fmt.Errorf("handoff: remove %s: %w", path, err)
		}
		c.opts.Logger.Debug("handoff.dir.consumed", "round", round)
		return Batch{App: c.opts.App, Round: round, Text: strings.TrimSpace(string(data))}, true, nil
	}
	return Batch{}, false, nil
}

// Pending reports whether a candidate file is waiting.
func (c *DirConsumer) Pending() bool {
	rounds, err := listRounds(c.opts.Dir, candidatePrefix, c.opts.App, candidateSuffix)
	return err == nil && len(rounds) > 0
}

// Complete creates the completion flag for the round. A clean round leaves
// a zero-byte flag; otherwise the flag carries the summary line.
func (c *DirConsumer) Complete(comp Completion) error {
	var data []byte
	if !comp.OK() {
		data = []byte(comp.String() + "\n")
	}
	name := completeName(c.opts.App, comp.Round)
	if err := writeAtomic(c.opts.Dir, name, data); err != nil {
		return fmt.Errorf("handoff: write %s: %w", name, err)
	}
	return nil
}

// Close stops the watcher and wakes a blocked Next.
func (c *DirConsumer) Close() error {
	c.once.Do(func() {
		close(c.stop)
		if c.watcher != nil {
			c.watcher.Close()
		}
	})
	<-c.done
	return nil
}
