// Package spacing maps voxel spacing specifications to the canonical
// directory-name tokens used throughout a dataset layout.
package spacing

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"midatasets/internal/models"
)

// NativeToken is the reserved token for unprocessed, native-resolution files.
const NativeToken = "0"

// Spec is a spacing specification: a scalar, a per-axis vector, or native.
// The zero value is unset and is rejected wherever a spacing is required.
type Spec struct {
	values []float64
	native bool
}

// Native returns the spec for files kept at their source resolution.
func Native() Spec { return Spec{native: true} }

// Scalar returns an isotropic spec. Scalar(0) is Native.
func Scalar(v float64) Spec {
	if v == 0 {
		return Native()
	}
	return Spec{values: []float64{v}}
}

// Vector returns a per-axis spec. A vector of zeros is Native.
func Vector(v ...float64) Spec {
	allZero := true
	for _, x := range v {
		if x != 0 {
			allZero = false
		}
	}
	if len(v) == 0 || allZero {
		return Native()
	}
	if len(v) == 1 {
		return Scalar(v[0])
	}
	return Spec{values: append([]float64(nil), v...)}
}

// Parse reads a spec from its textual forms: "native", "0", "1.5",
// "1x1x2" or "1,1,2".
func Parse(s string) (Spec, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty spacing", models.ErrConfiguration)
	}
	if s == "native" {
		return Native(), nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == 'x' || r == ',' || r == ' ' })
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: spacing %q: %v", models.ErrConfiguration, s, err)
		}
		vals = append(vals, v)
	}
	sp := Vector(vals...)
	if err := sp.Validate(); err != nil {
		return Spec{}, err
	}
	return sp, nil
}

// IsSet reports whether the spec was constructed rather than left zero.
func (s Spec) IsSet() bool { return s.native || len(s.values) > 0 }

// IsNative reports whether s denotes native resolution.
func (s Spec) IsNative() bool { return s.native }

// Validate returns ErrConfiguration for an unset spec or for components
// that are negative, NaN or infinite. A zero component is only allowed in
// the all-zero native form.
func (s Spec) Validate() error {
	if !s.IsSet() {
		return fmt.Errorf("%w: spacing cannot be unset", models.ErrConfiguration)
	}
	for _, v := range s.values {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: invalid spacing component %v", models.ErrConfiguration, v)
		}
	}
	return nil
}

// Token returns the directory-name token for s. Native maps to "0";
// scalars use the shortest decimal form; vectors join components with 'x'.
func (s Spec) Token() string {
	if s.native || len(s.values) == 0 {
		return NativeToken
	}
	parts := make([]string, len(s.values))
	for i, v := range s.values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, "x")
}

// Values expands s to dims components. Scalars are broadcast; native
// returns nil since there is no target spacing.
func (s Spec) Values(dims int) []float64 {
	if s.native || len(s.values) == 0 {
		return nil
	}
	out := make([]float64, dims)
	for i := range out {
		if len(s.values) == 1 {
			out[i] = s.values[0]
		} else if i < len(s.values) {
			out[i] = s.values[i]
		} else {
			out[i] = s.values[len(s.values)-1]
		}
	}
	return out
}

// Axes returns s as a 3-axis spacing. ok is false for native or unset specs.
func (s Spec) Axes() (axes [3]float64, ok bool) {
	v := s.Values(3)
	if v == nil {
		return axes, false
	}
	copy(axes[:], v)
	return axes, true
}

// String implements fmt.Stringer and pflag.Value.
func (s Spec) String() string {
	if !s.IsSet() {
		return ""
	}
	if s.native {
		return "native"
	}
	return s.Token()
}

// Set implements pflag.Value.
func (s *Spec) Set(v string) error {
	sp, err := Parse(v)
	if err != nil {
		return err
	}
	*s = sp
	return nil
}

// Type implements pflag.Value.
func (s *Spec) Type() string { return "spacing" }

// UnmarshalYAML accepts a number, a sequence of numbers, or a string.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var vals []float64
		if err := node.Decode(&vals); err != nil {
			return fmt.Errorf("%w: spacing: %v", models.ErrConfiguration, err)
		}
		sp := Vector(vals...)
		if err := sp.Validate(); err != nil {
			return err
		}
		*s = sp
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = Spec{}
			return nil
		}
		return s.Set(node.Value)
	default:
		return fmt.Errorf("%w: spacing must be a number, list or string", models.ErrConfiguration)
	}
}

// MarshalYAML writes native as 0, scalars as numbers and vectors as lists.
func (s Spec) MarshalYAML() (interface{}, error) {
	switch {
	case !s.IsSet():
		return nil, nil
	case s.native:
		return 0, nil
	case len(s.values) == 1:
		return s.values[0], nil
	default:
		return s.values, nil
	}
}
