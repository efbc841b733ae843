package scanner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/autoci/internal/models"
)

// PackageJSON represents the parts of package.json the scanner reads.
type PackageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
}

// npmDefaultTest is the placeholder test script written by `npm init`.
const npmDefaultTest = `echo "Error: no test specified" && exit 1`

// testLibraries mark a Node project as having tests.
var testLibraries = []string{"jest", "mocha", "chai", "jasmine", "karma", "cypress", "playwright", "vitest", "@testing-library"}

func detectNode(ctx context.Context, dir string) (*models.BuildPlan, error) {
	path := filepath.Join(dir, "package.json")
	if !fileExists(path) {
		return nil, nil
	}
	pkg, err := parsePackageJSON(path)
	if err != nil {
		return nil, ErrInvalidPackageJSON
	}

	pm := detectPackageManager(dir, pkg)
	language := "javascript"
	if fileExists(filepath.Join(dir, "tsconfig.json")) {
		language = "typescript"
	}

	plan := &models.BuildPlan{
		Language:       language,
		PackageManager: pm,
		Framework:      detectNodeFramework(pkg),
		Install:        installCommand(pm),
		Environment:    baseEnvironment(),
	}

	if script, ok := pkg.Scripts["lint"]; ok && script != "" {
		plan.Lint = runScript(pm, "lint")
	}
	if script, ok := pkg.Scripts["test"]; ok && strings.TrimSpace(script) != npmDefaultTest {
		plan.Test = runScript(pm, "test")
		plan.HasTests = true
	} else {
		// Reported for visibility; without a script there is nothing to run.
		plan.HasTests = hasTestDependency(pkg)
	}
	if _, ok := pkg.Scripts["build"]; ok {
		plan.Build = runScript(pm, "build")
	}

	return plan, nil
}

func parsePackageJSON(path string) (*PackageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// detectPackageManager prefers the packageManager field, then lock files.
func detectPackageManager(dir string, pkg *PackageJSON) string {
	for _, pm := range []string{"pnpm", "yarn", "npm"} {
		if strings.HasPrefix(pkg.PackageManager, pm) {
			return pm
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return "pnpm"
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return "yarn"
	default:
		return "npm"
	}
}

func installCommand(pm string) string {
	switch pm {
	case "yarn":
		return "yarn install"
	case "pnpm":
		return "pnpm install"
	default:
		return "npm install"
	}
}

func runScript(pm, script string) string {
	if pm == "npm" && script != "test" {
		return "npm run " + script
	}
	return pm + " " + script
}

func detectNodeFramework(pkg *PackageJSON) string {
	deps := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for k := range pkg.Dependencies {
		deps[k] = true
	}
	for k := range pkg.DevDependencies {
		deps[k] = true
	}
	for _, fw := range []struct{ dep, name string }{
		{"next", "nextjs"},
		{"nuxt", "nuxtjs"},
		{"gatsby", "gatsby"},
		{"@angular/core", "angular"},
		{"@nestjs/core", "nestjs"},
		{"express", "express"},
		{"fastify", "fastify"},
		{"koa", "koa"},
		{"react", "react"},
		{"vue", "vue"},
		{"svelte", "svelte"},
	} {
		if deps[fw.dep] {
			return fw.name
		}
	}
	return ""
}

func hasTestDependency(pkg *PackageJSON) bool {
	for _, deps := range []map[string]string{pkg.Dependencies, pkg.DevDependencies} {
		for name := range deps {
			for _, lib := range testLibraries {
				if strings.Contains(name, lib) {
					return true
				}
			}
		}
	}
	return false
}
