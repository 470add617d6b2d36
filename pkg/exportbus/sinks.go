package exportbus

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sink declares one external destination. Payload shape is owned by the
// named transform; credentials are referenced, never inlined.
type Sink struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	Target        string   `yaml:"target"`
	CredentialRef string   `yaml:"credential_ref"`
	Transform     string   `yaml:"transform,omitempty"`
	Events        []string `yaml:"events,omitempty"`
}

// accepts reports whether the sink subscribes to the event kind. An empty
// Events list subscribes to everything.
func (s Sink) accepts(kind string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == kind {
			return true
		}
	}
	return false
}

type sinkFile struct {
	Sinks []Sink `yaml:"sinks"`
}

// LoadSinks reads sink declarations from a YAML file. Unknown fields are
// rejected so a typo in a sink declaration fails at boot, not at delivery.
func LoadSinks(path string) ([]Sink, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exportbus: read sinks: %w", err)
	}
	return ParseSinks(data)
}

// ParseSinks decodes sink declarations from YAML bytes.
func ParseSinks(data []byte) ([]Sink, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file sinkFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("exportbus: parse sinks: %w", err)
	}
	seen := make(map[string]bool, len(file.Sinks))
	for _, sink := range file.Sinks {
		if sink.Name == "" || sink.Target == "" {
			return nil, fmt.Errorf("exportbus: sink requires name and target")
		}
		if seen[sink.Name] {
			return nil, fmt.Errorf("exportbus: duplicate sink %q", sink.Name)
		}
		seen[sink.Name] = true
	}
	return file.Sinks, nil
}
