package scanner

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/autoci/internal/models"
)

func detectRust(ctx context.Context, dir string) (*models.BuildPlan, error) {
	if !fileExists(filepath.Join(dir, "Cargo.toml")) {
		return nil, nil
	}
	return &models.BuildPlan{
		Language:       "rust",
		PackageManager: "cargo",
		Install:        "cargo fetch",
		Lint:           "cargo clippy -- -D warnings",
		Test:           "cargo test",
		Build:          "cargo build --release",
		// cargo test also runs doc tests and #[test] items inside src/.
		HasTests:    true,
		Environment: baseEnvironment(),
	}, nil
}

// detectJava handles Maven and Gradle projects, Maven first.
func detectJava(ctx context.Context, dir string) (*models.BuildPlan, error) {
	plan := &models.BuildPlan{Language: "java", Environment: baseEnvironment()}
	switch {
	case fileExists(filepath.Join(dir, "pom.xml")):
		plan.PackageManager = "maven"
		plan.Install = "mvn install -DskipTests"
		plan.Test = "mvn test"
		plan.Build = "mvn package -DskipTests"
	case fileExists(filepath.Join(dir, "build.gradle")), fileExists(filepath.Join(dir, "build.gradle.kts")):
		plan.PackageManager = "gradle"
		gradle := "gradle"
		if fileExists(filepath.Join(dir, "gradlew")) {
			gradle = "./gradlew"
		}
		plan.Install = gradle + " dependencies"
		plan.Test = gradle + " test"
		plan.Build = gradle + " build -x test"
	default:
		return nil, nil
	}
	plan.HasTests = anyFile(ctx, dir, func(rel string) bool {
		return strings.HasPrefix(rel, "src/test/")
	})
	return plan, nil
}
