package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the layout of an AU definitions file.
type File struct {
	AUs []Definition `yaml:"aus"`
}

// LoadFile reads AU definitions from a YAML file.
func LoadFile(path string) ([]Definition, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read au definitions: %w", err)
	}
	defs, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes AU definitions, rejecting unknown fields and duplicate
// AUIDs.
func Parse(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode au definitions: %w", err)
	}
	seen := make(map[string]struct{}, len(f.AUs))
	for i, d := range f.AUs {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("au %d: %w", i, err)
		}
		if _, dup := seen[d.AUID]; dup {
			return nil, fmt.Errorf("duplicate auid %q", d.AUID)
		}
		seen[d.AUID] = struct{}{}
	}
	return f.AUs, nil
}
