// Package planner derives the ordered stage list of a job from its build plan.
//
// Stage derivation is a fixed table: each entry decides whether it applies
// to a plan and which command its single step runs. Absent commands make a
// stage absent rather than present-but-skipped.
package planner

import (
	"strings"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
)

// Stage names in pipeline order.
const (
	StageSetup        = "setup"
	StageLint         = "lint"
	StageTest         = "test"
	StageSecurity     = "security"
	StageBuild        = "build"
	StageContainerize = "containerize"
)

// DefaultImage is the tag used by the default containerize command.
const DefaultImage = "autoci-build"

// Timeouts holds the per-stage step timeout ceilings.
type Timeouts struct {
	Setup        time.Duration
	Lint         time.Duration
	Test         time.Duration
	Security     time.Duration
	Build        time.Duration
	Containerize time.Duration
}

// DefaultTimeouts returns the standard ceilings. Install, test, build and
// containerize get longer budgets than lint and the dependency audit.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Setup:        5 * time.Minute,
		Lint:         2 * time.Minute,
		Test:         10 * time.Minute,
		Security:     3 * time.Minute,
		Build:        15 * time.Minute,
		Containerize: 20 * time.Minute,
	}
}

// stageRule is one row of the derivation table.
type stageRule struct {
	stage   string
	step    string
	applies func(p *models.BuildPlan) bool
	command func(p *models.BuildPlan) string
	timeout func(t Timeouts) time.Duration
}

var rules = []stageRule{
	{
		stage:   StageSetup,
		step:    "Install Dependencies",
		applies: always,
		command: func(p *models.BuildPlan) string { return p.Install },
		timeout: func(t Timeouts) time.Duration { return t.Setup },
	},
	{
		stage:   StageLint,
		step:    "Run Linter",
		applies: func(p *models.BuildPlan) bool { return LintCommand(p) != "" },
		command: LintCommand,
		timeout: func(t Timeouts) time.Duration { return t.Lint },
	},
	{
		stage:   StageTest,
		step:    "Run Tests",
		applies: func(p *models.BuildPlan) bool { return p.HasTests && strings.TrimSpace(p.Test) != "" },
		command: func(p *models.BuildPlan) string { return p.Test },
		timeout: func(t Timeouts) time.Duration { return t.Test },
	},
	{
		stage:   StageSecurity,
		step:    "Audit Dependencies",
		applies: always,
		command: AuditCommand,
		timeout: func(t Timeouts) time.Duration { return t.Security },
	},
	{
		stage:   StageBuild,
		step:    "Build Project",
		applies: func(p *models.BuildPlan) bool { return strings.TrimSpace(p.Build) != "" },
		command: func(p *models.BuildPlan) string { return p.Build },
		timeout: func(t Timeouts) time.Duration { return t.Build },
	},
	{
		stage:   StageContainerize,
		step:    "Build Container Image",
		applies: func(p *models.BuildPlan) bool { return p.ContainerizeApplicable },
		command: ContainerizeCommand,
		timeout: func(t Timeouts) time.Duration { return t.Containerize },
	},
}

func always(*models.BuildPlan) bool { return true }

// Planner turns build plans into stage lists.
type Planner struct {
	timeouts Timeouts
}

// New creates a Planner with the given timeout ceilings. Zero fields fall
// back to the defaults.
func New(timeouts Timeouts) *Planner {
	def := DefaultTimeouts()
	fill := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&timeouts.Setup, def.Setup)
	fill(&timeouts.Lint, def.Lint)
	fill(&timeouts.Test, def.Test)
	fill(&timeouts.Security, def.Security)
	fill(&timeouts.Build, def.Build)
	fill(&timeouts.Containerize, def.Containerize)
	return &Planner{timeouts: timeouts}
}

// Timeouts returns the ceilings in effect.
func (p *Planner) Timeouts() Timeouts {
	return p.timeouts
}

// Stages derives the ordered stages for plan. Every stage and step starts
// pending and runs in workDir.
func (p *Planner) Stages(plan *models.BuildPlan, workDir string) []*models.Stage {
	stages := make([]*models.Stage, 0, len(rules))
	for _, rule := range rules {
		if !rule.applies(plan) {
			continue
		}
		stages = append(stages, &models.Stage{
			Name:   rule.stage,
			Status: models.StageStatusPending,
			Steps: []*models.Step{{
				Name:    rule.step,
				Command: rule.command(plan),
				WorkDir: workDir,
				Timeout: rule.timeout(p.timeouts),
				Status:  models.StepStatusPending,
			}},
		})
	}
	return stages
}

// StageNames lists the stage names plan would produce, in order.
func (p *Planner) StageNames(plan *models.BuildPlan) []string {
	var names []string
	for _, rule := range rules {
		if rule.applies(plan) {
			names = append(names, rule.stage)
		}
	}
	return names
}
