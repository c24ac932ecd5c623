package transport

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

const (
	// SealedSuffix is appended to the object name of sealed artifacts.
	SealedSuffix = ".sealed"

	sealDescriptorName = "harmonyd-artifacts"
	sealContext        = "harmonyd.codegen.artifacts"
	sealChunkSize      = 16 * 1024
)

// Sealer encrypts artifacts before they leave the coordinator. The key
// bundle holds a root key and one artifact descriptor.
type Sealer struct {
	kg  kryptograf.Kryptograf
	mat kryptograf.Material
}

// GenerateKeyBundle returns a fresh PEM key bundle for LoadSealer.
func GenerateKeyBundle() ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(nil, &out)
	if err != nil {
		return nil, fmt.Errorf("transport: load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("transport: ensure root key: %w", err)
	}
	if _, err := store.EnsureDescriptor(sealDescriptorName, root, []byte(sealContext)); err != nil {
		return nil, fmt.Errorf("transport: ensure descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("transport: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return nil, fmt.Errorf("transport: serialize key bundle: %w", err)
		}
		out = raw
	}
	return out, nil
}

// LoadSealer reads the key bundle at path.
func LoadSealer(path string) (*Sealer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: read key bundle: %w", err)
	}
	return NewSealer(raw)
}

// NewSealer builds a sealer from PEM key bundle bytes.
func NewSealer(pemBytes []byte) (*Sealer, error) {
	store, err := keymgmt.LoadPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("transport: load key bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return nil, fmt.Errorf("transport: read root key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("transport: key bundle has no root key")
	}
	desc, ok, err := store.Descriptor(sealDescriptorName)
	if err != nil {
		return nil, fmt.Errorf("transport: read descriptor: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("transport: key bundle has no %s descriptor", sealDescriptorName)
	}
	kg := kryptograf.New(root).WithChunkSize(sealChunkSize)
	mat, err := kg.ReconstructDEK([]byte(sealContext), desc)
	if err != nil {
		return nil, fmt.Errorf("transport: reconstruct artifact key: %w", err)
	}
	return &Sealer{kg: kg, mat: mat}, nil
}

// Seal encrypts everything r yields.
func (s *Sealer) Seal(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	w, err := s.kg.EncryptWriter(&buf, s.mat)
	if err != nil {
		return nil, fmt.Errorf("transport: seal: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("transport: seal write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("transport: seal close: %w", err)
	}
	return buf.Bytes(), nil
}

// Open returns the plaintext of a sealed artifact.
func (s *Sealer) Open(r io.Reader) (io.ReadCloser, error) {
	rc, err := s.kg.DecryptReader(r, s.mat)
	if err != nil {
		return nil, fmt.Errorf("transport: open sealed artifact: %w", err)
	}
	return rc, nil
}
