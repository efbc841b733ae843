package models

import (
	"errors"
	"strings"
)

// ErrMissingInstall is returned when a build plan has no install command.
var ErrMissingInstall = errors.New("build plan: install command is required")

// BuildPlan describes what a pipeline runs for one checkout.
// It is produced by the scanner (or supplied by the caller) and never
// modified once a job has been created from it.
type BuildPlan struct {
	Language       string `json:"language" yaml:"language"`
	PackageManager string `json:"package_manager" yaml:"package_manager"`
	Framework      string `json:"framework,omitempty" yaml:"framework,omitempty"`

	Install      string `json:"install" yaml:"install"`
	Lint         string `json:"lint,omitempty" yaml:"lint,omitempty"`
	Test         string `json:"test,omitempty" yaml:"test,omitempty"`
	Build        string `json:"build,omitempty" yaml:"build,omitempty"`
	Containerize string `json:"containerize,omitempty" yaml:"containerize,omitempty"`

	// Audit overrides the package-manager default for the security stage.
	Audit string `json:"audit,omitempty" yaml:"audit,omitempty"`

	HasTests               bool `json:"has_tests" yaml:"has_tests"`
	ContainerizeApplicable bool `json:"containerize_applicable" yaml:"containerize_applicable"`

	// Environment is appended to the process environment of every step.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Validate checks that the plan can be turned into a pipeline.
func (p *BuildPlan) Validate() error {
	if strings.TrimSpace(p.Install) == "" {
		return ErrMissingInstall
	}
	return nil
}

// Clone returns a copy of the plan that shares no maps with the original.
func (p BuildPlan) Clone() BuildPlan {
	if p.Environment != nil {
		env := make(map[string]string, len(p.Environment))
		for k, v := range p.Environment {
			env[k] = v
		}
		p.Environment = env
	}
	return p
}

// Env returns the plan environment as KEY=VALUE pairs.
func (p *BuildPlan) Env() []string {
	if len(p.Environment) == 0 {
		return nil
	}
	env := make([]string, 0, len(p.Environment))
	for k, v := range p.Environment {
		env = append(env, k+"="+v)
	}
	return env
}
