package scanner

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/autoci/internal/models"
)

// pythonFrameworks maps requirement names to framework names.
var pythonFrameworks = []struct{ pkg, name string }{
	{"django", "django"},
	{"fastapi", "fastapi"},
	{"flask", "flask"},
}

func detectPython(ctx context.Context, dir string) (*models.BuildPlan, error) {
	hasRequirements := fileExists(filepath.Join(dir, "requirements.txt"))
	hasPyproject := fileExists(filepath.Join(dir, "pyproject.toml"))
	hasSetup := fileExists(filepath.Join(dir, "setup.py"))
	if !hasRequirements && !hasPyproject && !hasSetup {
		return nil, nil
	}

	plan := &models.BuildPlan{
		Language:       "python",
		PackageManager: "pip",
		Environment:    baseEnvironment(),
	}
	plan.Environment["PYTHONPATH"] = "."
	plan.Environment["PYTHONUNBUFFERED"] = "1"

	var deps string
	switch {
	case fileExists(filepath.Join(dir, "poetry.lock")):
		plan.PackageManager = "poetry"
		plan.Install = "poetry install"
	case hasRequirements:
		plan.Install = "pip install -r requirements.txt"
	default:
		plan.Install = "pip install ."
	}
	for _, name := range []string{"requirements.txt", "pyproject.toml", "setup.py"} {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			deps += strings.ToLower(string(data)) + "\n"
		}
	}
	for _, fw := range pythonFrameworks {
		if strings.Contains(deps, fw.pkg) {
			plan.Framework = fw.name
			break
		}
	}

	if anyFile(ctx, dir, isPythonTest) {
		plan.HasTests = true
		plan.Test = "python -m pytest"
	}
	if strings.Contains(deps, "ruff") {
		plan.Lint = "ruff check ."
	} else if strings.Contains(deps, "flake8") {
		plan.Lint = "flake8 ."
	}
	return plan, nil
}

func isPythonTest(rel string) bool {
	base := path.Base(rel)
	if !strings.HasSuffix(base, ".py") {
		return false
	}
	return strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py") ||
		strings.HasPrefix(rel, "tests/")
}
