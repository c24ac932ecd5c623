package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"pkt.systems/harmonyd/internal/codegen"
)

// Script runs an external ship script once per round:
//
//	<script> <dest-host> <dest-path> <output-dir> <slug>...
type Script struct {
	path string
	opts Options
}

func newScript(u *url.URL, opts Options) (*Script, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + path
	}
	if path == "" {
		return nil, fmt.Errorf("transport: script path required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("transport: script %s: %w", path, err)
	}
	return &Script{path: path, opts: opts}, nil
}

// Ship implements codegen.Shipper.
func (s *Script) Ship(ctx context.Context, keys []codegen.Key) error {
	ctx, cancel := withTimeout(ctx, s.opts.Timeout)
	defer cancel()
	args := []string{s.opts.DestHost, s.opts.DestPath, s.opts.OutputDir}
	for _, k := range keys {
		args = append(args, k.Slug())
	}
	cmd := exec.CommandContext(ctx, s.path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		return fmt.Errorf("transport: script %s: %w: %s", s.path, err, detail)
	}
	s.opts.Logger.Debug("transport.script.shipped", "units", len(keys))
	return nil
}
