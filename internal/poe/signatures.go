package poe

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Signature identifies a device family from strings in captured traffic.
type Signature struct {
	Name            string   `yaml:"name"`
	Manufacturer    string   `yaml:"manufacturer"`
	DeviceType      string   `yaml:"device_type"`
	DetectionMethod string   `yaml:"detection_method"`
	Markers         []string `yaml:"markers"`        // case-sensitive substrings, any one matches
	ModelPatterns   []string `yaml:"model_patterns"` // case-insensitive model prefixes, first hit wins
	DefaultModel    string   `yaml:"default_model"`
}

// SignatureSet is the signature configuration file.
type SignatureSet struct {
	Signatures []Signature `yaml:"signatures"`
}

// SignatureMatch is the identity recovered from a capture.
type SignatureMatch struct {
	Signature       string
	Manufacturer    string
	Model           string
	DeviceType      string
	DetectionMethod string
}

const maxModelLength = 64

// DefaultSignatures returns the built-in Bosch camera signature. Bosch
// cameras announce themselves with a proprietary broadcast (ethertype
// 0x2070) carrying the model name in plain text.
func DefaultSignatures() SignatureSet {
	return SignatureSet{Signatures: []Signature{{
		Name:            "bosch",
		Manufacturer:    "Bosch Security Systems",
		DeviceType:      "Camera",
		DetectionMethod: "Bosch proprietary protocol",
		Markers:         []string{"Bosch", "FLEXIDOME", "DINION", "AUTODOME"},
		ModelPatterns:   []string{"FLEXIDOME", "DINION", "AUTODOME", "MIC", "NBN"},
		DefaultModel:    "Unknown Model",
	}}}
}

// LoadSignatures reads a YAML signature file. An empty path yields the
// built-in set.
func LoadSignatures(fs afero.Fs, path string) (SignatureSet, error) {
	if path == "" {
		return DefaultSignatures(), nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return SignatureSet{}, fmt.Errorf("read signatures %s: %w", path, err)
	}
	var set SignatureSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return SignatureSet{}, fmt.Errorf("parse signatures %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return SignatureSet{}, fmt.Errorf("signatures %s: %w", path, err)
	}
	return set, nil
}

// Validate checks that every signature can match and produce a record.
func (s SignatureSet) Validate() error {
	if len(s.Signatures) == 0 {
		return errors.New("no signatures defined")
	}
	for i, sig := range s.Signatures {
		if sig.Name == "" {
			return fmt.Errorf("signature %d: name is required", i)
		}
		if len(sig.Markers) == 0 {
			return fmt.Errorf("signature %q: at least one marker is required", sig.Name)
		}
		if sig.Manufacturer == "" {
			return fmt.Errorf("signature %q: manufacturer is required", sig.Name)
		}
	}
	return nil
}

// Match scans captured bytes against each signature in order.
func (s SignatureSet) Match(data []byte) (SignatureMatch, bool) {
	for _, sig := range s.Signatures {
		if !containsAny(data, sig.Markers) {
			continue
		}
		model := extractModel(data, sig.ModelPatterns)
		if model == "" {
			model = sig.DefaultModel
		}
		return SignatureMatch{
			Signature:       sig.Name,
			Manufacturer:    sig.Manufacturer,
			Model:           model,
			DeviceType:      sig.DeviceType,
			DetectionMethod: sig.DetectionMethod,
		}, true
	}
	return SignatureMatch{}, false
}

func containsAny(data []byte, markers []string) bool {
	for _, m := range markers {
		if m != "" && bytes.Contains(data, []byte(m)) {
			return true
		}
	}
	return false
}

// extractModel returns the printable run starting at the first pattern
// found, trimmed and capped at maxModelLength.
func extractModel(data []byte, patterns []string) string {
	upper := bytes.ToUpper(data)
	for _, p := range patterns {
		idx := bytes.Index(upper, []byte(strings.ToUpper(p)))
		if idx < 0 {
			continue
		}
		end := idx
		for end < len(data) && end-idx < maxModelLength && data[end] >= 0x20 && data[end] <= 0x7e {
			end++
		}
		return strings.TrimSpace(string(data[idx:end]))
	}
	return ""
}
