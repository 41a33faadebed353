package model

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// LabelMap maps class index to class name. Index order is authoritative:
// it is fixed at training time and read back by every consumer.
type LabelMap map[int]string

// NewLabelMap builds the map from class names in index order
func NewLabelMap(names []string) (LabelMap, error) {
	lm := make(LabelMap, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if name == "" {
			return nil, errors.Errorf("class %d has no name", i)
		}
		if seen[name] {
			return nil, errors.Errorf("duplicate class name %q", name)
		}
		seen[name] = true
		lm[i] = name
	}
	return lm, nil
}

// Names returns the class names in index order
func (lm LabelMap) Names() []string {
	names := make([]string, len(lm))
	for i := range names {
		names[i] = lm[i]
	}
	return names
}

// Index returns the index of name
func (lm LabelMap) Index(name string) (int, bool) {
	for i, n := range lm {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Name returns the class name for index i
func (lm LabelMap) Name(i int) string {
	return lm[i]
}

// Validate checks that indices are exactly 0..n-1
func (lm LabelMap) Validate() error {
	if len(lm) == 0 {
		return errors.New("empty label map")
	}
	for i := 0; i < len(lm); i++ {
		if _, ok := lm[i]; !ok {
			return errors.Errorf("label map is missing index %d", i)
		}
	}
	return nil
}

// MarshalJSON writes {"0": name, "1": name} with keys in index order
func (lm LabelMap) MarshalJSON() ([]byte, error) {
	keys := make([]int, 0, len(lm))
	for k := range lm {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		name, err := json.Marshal(lm[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, strconv.Quote(strconv.Itoa(k))...)
		buf = append(buf, ':')
		buf = append(buf, name...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON reads the string-keyed form
func (lm *LabelMap) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(LabelMap, len(raw))
	for k, v := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			return errors.Errorf("label map key %q is not a class index", k)
		}
		out[i] = v
	}
	*lm = out
	return nil
}

// SaveLabelMap writes the label map as JSON
func SaveLabelMap(path string, lm LabelMap) error {
	if err := lm.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(lm, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode label map")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "failed to write label map")
}

// LoadLabelMap reads a label map written by SaveLabelMap
func LoadLabelMap(path string) (LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read label map")
	}
	var lm LabelMap
	if err := json.Unmarshal(data, &lm); err != nil {
		return nil, errors.Wrap(err, "failed to decode label map")
	}
	if err := lm.Validate(); err != nil {
		return nil, err
	}
	return lm, nil
}
