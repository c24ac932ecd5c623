package cfgstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parse reads flat key=value lines. Blank lines and lines starting with '#'
// are ignored; keys are lowercased; a repeated key keeps its last value.
func Parse(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("cfgstore: line %d: missing '='", lineNo)
		}
		key := Normalize(line[:eq])
		if err := ValidateKey(key); err != nil {
			return nil, fmt.Errorf("cfgstore: line %d: %w", lineNo, err)
		}
		out[key] = strings.TrimSpace(line[eq+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cfgstore: read: %w", err)
	}
	return out, nil
}

// LoadFile parses path and merges it into the file layer of s.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cfgstore: open %s: %w", path, err)
	}
	defer f.Close()
	pairs, err := Parse(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return s.Merge(pairs)
}
