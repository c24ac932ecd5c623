package workerpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/clock"
	"pkt.systems/harmonyd/internal/svcfields"
)

const outputTail = 4096

// ExecOptions configures an ExecPool.
type ExecOptions struct {
	// Script receives: <vector> <host> <slot> <dest-host> <dest-path>.
	Script   string
	Slots    []Slot
	DestHost string
	DestPath string
	// OutputDir, when set, gets one directory per unit exported to the
	// script as HARMONYD_UNIT_DIR.
	OutputDir string
	// Timeout bounds each unit. Zero disables it.
	Timeout time.Duration
	Logger  pslog.Logger
	Clock   clock.Clock
}

// ExecPool runs Script in its own process group per unit.
type ExecPool struct {
	opts    ExecOptions
	logger  pslog.Logger
	clock   clock.Clock
	results chan Result
	wg      sync.WaitGroup

	mu       sync.Mutex
	busy     map[int]context.CancelFunc
	unreaped int
	closed   bool
}

// NewExecPool validates opts and returns an idle pool.
func NewExecPool(opts ExecOptions) (*ExecPool, error) {
	if strings.TrimSpace(opts.Script) == "" {
		return nil, fmt.Errorf("workerpool: script required")
	}
	if len(opts.Slots) == 0 {
		return nil, fmt.Errorf("workerpool: at least one slot required")
	}
	for i, s := range opts.Slots {
		if s.ID != i {
			return nil, fmt.Errorf("workerpool: slot %d has id %d", i, s.ID)
		}
	}
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("workerpool: prepare output dir %q: %w", opts.OutputDir, err)
		}
	}
	return &ExecPool{
		opts:    opts,
		logger:  svcfields.WithSubsystem(svcfields.Ensure(opts.Logger), "codegen.workerpool"),
		clock:   clock.Ensure(opts.Clock),
		results: make(chan Result, len(opts.Slots)),
		busy:    make(map[int]context.CancelFunc),
	}, nil
}

// Slots returns a copy of the configured slots.
func (p *ExecPool) Slots() []Slot {
	return append([]Slot(nil), p.opts.Slots...)
}

// Running counts children that have not been reaped through Wait. A slot
// whose child exited but was not yet reaped stays busy.
func (p *ExecPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreaped
}

// Start launches job on slot.
func (p *ExecPool) Start(ctx context.Context, slot Slot, job Job) error {
	if slot.ID < 0 || slot.ID >= len(p.opts.Slots) {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot.ID)
	}
	slot = p.opts.Slots[slot.ID]

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, busy := p.busy[slot.ID]; busy || p.unreaped >= len(p.opts.Slots) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotBusy, slot)
	}
	var (
		unitCtx context.Context
		cancel  context.CancelFunc
	)
	if p.opts.Timeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
	} else {
		unitCtx, cancel = context.WithCancel(ctx)
	}
	p.busy[slot.ID] = cancel
	p.unreaped++
	p.mu.Unlock()

	cmd, out, err := p.command(unitCtx, slot, job)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		cancel()
		p.mu.Lock()
		delete(p.busy, slot.ID)
		p.unreaped--
		p.mu.Unlock()
		return fmt.Errorf("workerpool: start %s on %s: %w", job.Key, slot, err)
	}
	p.logger.Debug("workerpool.unit.started", "slot", slot.String(), "unit", job.Key, "pid", cmd.Process.Pid)

	started := p.clock.Now()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		waitErr := cmd.Wait()
		res := Result{
			Slot:     slot,
			Job:      job,
			Duration: clock.Since(p.clock, started),
			Output:   out.String(),
			ExitCode: -1,
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.Err = fmt.Errorf("timed out after %s", p.opts.Timeout)
		} else if waitErr != nil {
			res.Err = waitErr
		}
		cancel()
		p.results <- res
	}()
	return nil
}

func (p *ExecPool) command(ctx context.Context, slot Slot, job Job) (*exec.Cmd, *tailBuffer, error) {
	vector := FormatVector(job.Vector)
	cmd := exec.CommandContext(ctx, p.opts.Script, vector, slot.Host, strconv.Itoa(slot.ID), p.opts.DestHost, p.opts.DestPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = time.Second
	env := append(os.Environ(), "HARMONYD_UNIT_KEY="+job.Key)
	if p.opts.OutputDir != "" {
		dir := filepath.Join(p.opts.OutputDir, Slug(job.Vector))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("prepare unit dir: %w", err)
		}
		env = append(env, "HARMONYD_UNIT_DIR="+dir)
	}
	cmd.Env = env
	out := &tailBuffer{limit: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd, out, nil
}

// Wait returns the next finished child.
func (p *ExecPool) Wait(ctx context.Context) (Result, error) {
	p.mu.Lock()
	if p.unreaped == 0 {
		p.mu.Unlock()
		return Result{}, ErrIdle
	}
	p.mu.Unlock()
	select {
	case res := <-p.results:
		p.mu.Lock()
		delete(p.busy, res.Slot.ID)
		p.unreaped--
		p.mu.Unlock()
		if !res.OK() {
			p.logger.Warn("workerpool.unit.failed", "slot", res.Slot.String(), "unit", res.Job.Key, "exit", res.ExitCode, "timed_out", res.TimedOut, "error", res.Err)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close kills every running child and waits for them to exit.
func (p *ExecPool) Close() error {
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.busy {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// Slug names a unit's output directory: "1_2_3".
func Slug(v []int64) string {
	if len(v) == 0 {
		return "_"
	}
	return strings.ReplaceAll(FormatVector(v), " ", "_")
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if extra := t.buf.Len() - t.limit; extra > 0 {
		t.buf.Next(extra)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
