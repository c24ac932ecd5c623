package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"pkt.systems/harmonyd/internal/codegen"
)

// artifact is one generated file bound for an object store.
type artifact struct {
	unit   codegen.Key
	path   string
	object string
}

// collect lists every file under <output-dir>/<slug>/ for keys, naming each
// <prefix>/<slug>/<relative path>. Units without a directory are logged
// and skipped.
func collect(opts Options, scheme, prefix string, keys []codegen.Key) ([]artifact, error) {
	var out []artifact
	for _, k := range keys {
		slug := k.Slug()
		root := filepath.Join(opts.OutputDir, slug)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			out = append(out, artifact{unit: k, path: p, object: path.Join(prefix, slug, filepath.ToSlash(rel))})
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			opts.Logger.Warn("transport."+scheme+".unit_missing", "unit", string(k), "dir", root)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transport: %s collect %s: %w", scheme, k, err)
		}
	}
	return out, nil
}

// payload is an artifact opened for upload.
type payload struct {
	object string
	body   io.ReadSeeker
	size   int64
	close  func() error
}

// open prepares a for upload, sealing it when a Sealer is configured.
func (o Options) open(a artifact) (payload, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return payload{}, err
	}
	if o.Sealer == nil {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return payload{}, err
		}
		return payload{object: a.object, body: f, size: info.Size(), close: f.Close}, nil
	}
	defer f.Close()
	sealed, err := o.Sealer.Seal(f)
	if err != nil {
		return payload{}, err
	}
	return payload{
		object: a.object + SealedSuffix,
		body:   bytes.NewReader(sealed),
		size:   int64(len(sealed)),
		close:  func() error { return nil },
	}, nil
}

// contentType labels uploads; sealed artifacts are opaque.
func (o Options) contentType() string {
	if o.Sealer != nil {
		return "application/vnd.harmonyd.sealed"
	}
	return "application/octet-stream"
}
