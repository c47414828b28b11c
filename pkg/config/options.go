package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"midatasets/internal/models"
	"midatasets/pkg/spacing"
)

// CurrentOptionsVersion is the schema version written by Migrate.
const CurrentOptionsVersion = 1

// MetadataFile is the optional per-dataset override file at a dataset root.
const MetadataFile = "dataset.yaml"

// Options configures one dataset. It is the explicit, versioned replacement
// for loosely keyed constructor arguments; raw maps from registry records or
// metadata files go through Migrate before they are decoded into it.
type Options struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	DirPath string `yaml:"dir_path"`

	// Spacing selects the spacing-token partition the dataset indexes.
	Spacing spacing.Spec `yaml:"spacing"`

	IsCropped bool `yaml:"is_cropped"`
	CropSize  int  `yaml:"crop_size"`

	// Extensions is the allow-list of file suffixes considered dataset files.
	Extensions []string `yaml:"extensions"`

	// Label restricts the labelmap image type to labelmap-<Label>.
	Label string `yaml:"label,omitempty"`

	// LabelMappings maps a labelmap key to label value -> class name.
	LabelMappings map[string]map[string]string `yaml:"label_mappings,omitempty"`

	RemoteBucket  string `yaml:"remote_bucket,omitempty"`
	RemoteProfile string `yaml:"remote_profile,omitempty"`
	RemotePrefix  string `yaml:"remote_prefix,omitempty"`

	// RemoteBackend names a registered storage backend ("s3", "gs", ...).
	// Empty disables the remote side.
	RemoteBackend string `yaml:"remote_backend,omitempty"`

	// FailOnError makes a dataset with no files at its spacing an error
	// instead of a logged warning.
	FailOnError bool `yaml:"fail_on_error"`

	// DropIncomplete removes index rows missing the image column.
	DropIncomplete bool `yaml:"drop_incomplete"`
}

// DefaultOptions returns options with the defaults every dataset starts from.
// Spacing is deliberately left unset.
func DefaultOptions() Options {
	return Options{
		Version:        CurrentOptionsVersion,
		Name:           "reader",
		CropSize:       64,
		Extensions:     []string{".nii.gz"},
		RemoteBackend:  "s3",
		DropIncomplete: true,
	}
}

// deprecatedKeys maps legacy option names to their current names.
var deprecatedKeys = map[string]string{
	"aws_s3_prefix":  "remote_prefix",
	"aws_s3_bucket":  "remote_bucket",
	"aws_s3_profile": "remote_profile",
	"ext":            "extensions",
	"dropna":         "drop_incomplete",
}

// Migrate normalises a raw option map to the current schema. It never
// mutates raw. Deprecated keys are renamed, with the current key winning
// when both are present, and a single extension string is widened to a
// list. The returned warnings describe every rewrite, in key order.
func Migrate(raw map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	var warnings []string
	old := make([]string, 0, len(deprecatedKeys))
	for k := range deprecatedKeys {
		old = append(old, k)
	}
	sort.Strings(old)
	for _, k := range old {
		v, ok := out[k]
		if !ok {
			continue
		}
		repl := deprecatedKeys[k]
		delete(out, k)
		if _, exists := out[repl]; exists {
			warnings = append(warnings, fmt.Sprintf("ignored deprecated option %s; %s is set", k, repl))
			continue
		}
		out[repl] = v
		warnings = append(warnings, fmt.Sprintf("replace deprecated option %s with %s", k, repl))
	}

	switch ext := out["extensions"].(type) {
	case string:
		out["extensions"] = []string{ext}
	}

	out["version"] = CurrentOptionsVersion
	return out, warnings
}

// RecordKeys are bookkeeping fields of dataset registry records. Decoding
// ignores them; any other key the Options schema lacks is an error.
var RecordKeys = []string{"subpath", "created_time", "modified_time", "description"}

// DecodeOptions migrates raw and strictly decodes it over DefaultOptions.
func DecodeOptions(raw map[string]any) (Options, []string, error) {
	opts := DefaultOptions()
	warnings, err := opts.Apply(raw)
	return opts, warnings, err
}

// Apply migrates raw and merges it over o; keys present in raw win. Keys
// outside the schema, other than RecordKeys, yield ErrConfiguration and
// leave o unchanged.
func (o *Options) Apply(raw map[string]any) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	migrated, warnings := Migrate(raw)
	for _, k := range RecordKeys {
		delete(migrated, k)
	}
	data, err := yaml.Marshal(migrated)
	if err != nil {
		return warnings, fmt.Errorf("%w: encoding options: %v", models.ErrConfiguration, err)
	}
	merged := *o
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&merged); err != nil {
		return warnings, fmt.Errorf("%w: decoding options: %v", models.ErrConfiguration, err)
	}
	*o = merged
	return warnings, nil
}

// LoadMetadata reads <dir>/<filename> as a raw option map. A missing file
// yields a nil map and no error.
func LoadMetadata(dir, filename string) (map[string]any, error) {
	if filename == "" {
		filename = MetadataFile
	}
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading dataset metadata: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", models.ErrConfiguration, filename, err)
	}
	return raw, nil
}

// Validate reports ErrConfiguration for options no dataset can be built from.
func (o *Options) Validate() error {
	if err := o.Spacing.Validate(); err != nil {
		return err
	}
	if o.DirPath == "" {
		return fmt.Errorf("%w: dir_path is required", models.ErrConfiguration)
	}
	if len(o.Extensions) == 0 {
		return fmt.Errorf("%w: at least one extension is required", models.ErrConfiguration)
	}
	if o.IsCropped && o.CropSize <= 0 {
		return fmt.Errorf("%w: crop_size must be positive", models.ErrConfiguration)
	}
	return nil
}

// ImageTypeName returns base, or base_crop_<size> for cropped datasets.
func (o *Options) ImageTypeName(base string) string {
	if o.IsCropped {
		return fmt.Sprintf("%s_crop_%d", base, o.CropSize)
	}
	return base
}

// ImageKey is the mandatory image type of the dataset.
func (o *Options) ImageKey() string { return o.ImageTypeName("image") }

// LabelmapKey is "labelmap", or "labelmap-<label>" when a label is set.
func (o *Options) LabelmapKey() string {
	if o.Label == "" {
		return o.ImageTypeName("labelmap")
	}
	return o.ImageTypeName("labelmap-" + o.Label)
}

// LabelMapping returns the class names for the active labelmap key.
func (o *Options) LabelMapping() map[string]string {
	if m, ok := o.LabelMappings[o.LabelmapKey()]; ok {
		return m
	}
	return map[string]string{}
}
