// Package rulefile loads interception rules from YAML or JSON fixtures.
package rulefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/intercept"
)

const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

var (
	ErrReadFile      = errors.New("rulefile: read file")
	ErrDecode        = errors.New("rulefile: decode")
	ErrUnknownFormat = errors.New("rulefile: unknown format")
)

// FormatForPath picks the format from the file extension. Anything that is
// not .json is read as YAML.
func FormatForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads and validates the rule file at path.
func Load(path string) (*api.RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrReadFile, err)
	}
	return Parse(data, FormatForPath(path))
}

// Parse decodes data in the given format and validates every rule. Unknown
// fields are rejected so typos do not silently disable a rule.
func Parse(data []byte, format string) (*api.RulesFile, error) {
	var file api.RulesFile
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return nil, errx.Wrap(ErrDecode, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return nil, errx.Wrap(ErrDecode, err)
		}
	default:
		return nil, errx.With(ErrUnknownFormat, ": %q", format)
	}

	labels := make(map[string]int, len(file.Rules))
	for i := range file.Rules {
		rule := &file.Rules[i]
		if err := rule.Validate(); err != nil {
			return nil, errx.With(err, " (rule %d)", i)
		}
		if rule.Label == "" {
			continue
		}
		if prev, ok := labels[rule.Label]; ok {
			return nil, errx.With(api.ErrDuplicateLabel, ": %s (rules %d and %d)", rule.Label, prev, i)
		}
		labels[rule.Label] = i
	}
	return &file, nil
}

// Apply registers every rule in file order, so later rules shadow earlier
// ones for overlapping patterns. It stops at the first failure and returns
// the handles registered so far.
func Apply(registry *intercept.Registry, file *api.RulesFile) ([]*intercept.Handle, error) {
	handles := make([]*intercept.Handle, 0, len(file.Rules))
	for i, rule := range file.Rules {
		h, err := registry.RegisterConfig(rule)
		if err != nil {
			return handles, errx.With(err, " (rule %d)", i)
		}
		handles = append(handles, h)
	}
	return handles, nil
}
