// Package planfile reads and writes build plans as YAML documents.
package planfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/autoci/internal/models"
)

// ErrEmpty is returned for a document with no plan in it.
var ErrEmpty = errors.New("plan file is empty")

// Parse decodes a YAML build plan. Unknown keys are rejected so typos do
// not silently drop a stage.
func Parse(data []byte) (*models.BuildPlan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var plan models.BuildPlan
	if err := dec.Decode(&plan); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Load reads and parses the plan file at path.
func Load(path string) (*models.BuildPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	plan, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// Write encodes plan as YAML.
func Write(w io.Writer, plan *models.BuildPlan) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	return enc.Close()
}
