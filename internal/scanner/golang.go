package scanner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/narvanalabs/autoci/internal/models"
)

// goVersionRegex matches the go directive in go.mod.
var goVersionRegex = regexp.MustCompile(`^go\s+(\d+\.\d+(?:\.\d+)?)`)

// goFrameworks maps module paths in go.mod to framework names.
var goFrameworks = []struct{ module, name string }{
	{"github.com/gin-gonic/gin", "gin"},
	{"github.com/labstack/echo", "echo"},
	{"github.com/gofiber/fiber", "fiber"},
	{"github.com/go-chi/chi", "chi"},
}

func detectGo(ctx context.Context, dir string) (*models.BuildPlan, error) {
	goModPath := filepath.Join(dir, "go.mod")
	if !fileExists(goModPath) {
		return nil, nil
	}

	plan := &models.BuildPlan{
		Language:       "go",
		PackageManager: "go",
		Install:        "go mod download",
		Build:          "go build ./...",
		Environment:    baseEnvironment(),
	}
	plan.Environment["CGO_ENABLED"] = "0"

	directives, err := readLines(goModPath)
	if err == nil {
		for _, line := range directives {
			if m := goVersionRegex.FindStringSubmatch(line); m != nil {
				plan.Environment["GOTOOLCHAIN"] = "go" + m[1] + "+auto"
			}
			for _, fw := range goFrameworks {
				if strings.Contains(line, fw.module) {
					plan.Framework = fw.name
				}
			}
		}
	}

	if anyFile(ctx, dir, func(rel string) bool { return strings.HasSuffix(rel, "_test.go") }) {
		plan.HasTests = true
		plan.Test = "go test ./..."
	}
	if fileExists(filepath.Join(dir, ".golangci.yml")) || fileExists(filepath.Join(dir, ".golangci.yaml")) {
		plan.Lint = "golangci-lint run"
	}
	return plan, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	return lines, sc.Err()
}
