package planner

import (
	"strings"

	"github.com/narvanalabs/autoci/internal/models"
)

// lintConventions maps a language to its conventional lint command.
var lintConventions = map[string]string{
	"javascript": "npm run lint || npx eslint . --ext .js,.jsx,.ts,.tsx",
	"typescript": "npm run lint || npx eslint . --ext .js,.jsx,.ts,.tsx",
	"go":         "go vet ./...",
}

// auditCommands maps a package manager to its dependency-audit command.
var auditCommands = map[string]string{
	"npm":   "npm audit",
	"yarn":  "yarn audit",
	"pnpm":  "pnpm audit",
	"pip":   `pip-audit || echo "pip-audit not installed, skipping"`,
	"go":    `govulncheck ./... || echo "govulncheck not installed, skipping"`,
	"cargo": `cargo audit || echo "cargo-audit not installed, skipping"`,
}

const defaultAudit = "npm audit"

// LintCommand returns the plan's lint command, falling back to the
// language convention. Empty means the language has none.
func LintCommand(p *models.BuildPlan) string {
	if cmd := strings.TrimSpace(p.Lint); cmd != "" {
		return cmd
	}
	return lintConventions[strings.ToLower(p.Language)]
}

// AuditCommand returns the plan's audit override or the package manager default.
func AuditCommand(p *models.BuildPlan) string {
	if cmd := strings.TrimSpace(p.Audit); cmd != "" {
		return cmd
	}
	if cmd, ok := auditCommands[strings.ToLower(p.PackageManager)]; ok {
		return cmd
	}
	return defaultAudit
}

// ContainerizeCommand returns the plan's containerize command or a plain docker build.
func ContainerizeCommand(p *models.BuildPlan) string {
	if cmd := strings.TrimSpace(p.Containerize); cmd != "" {
		return cmd
	}
	return "docker build -t " + DefaultImage + ":latest ."
}
