package scanner

import "errors"

// Scan errors.
var (
	// ErrNoLanguageDetected is returned when no marker file is recognised.
	ErrNoLanguageDetected = errors.New("could not detect project language")

	// ErrRepositoryAccessFailed is returned when the checkout cannot be read.
	ErrRepositoryAccessFailed = errors.New("failed to access repository")

	// ErrInvalidPackageJSON is returned when package.json cannot be parsed.
	ErrInvalidPackageJSON = errors.New("failed to parse package.json")
)
