package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeName strips control characters and replaces filesystem-hostile
// runes so a GUI-supplied clip name is safe as a file name component.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// formatExtensions maps output container formats to file extensions.
var formatExtensions = map[string]string{
	"mp4":      ".mp4",
	"m4a":      ".m4a",
	"mov":      ".mov",
	"matroska": ".mkv",
	"webm":     ".webm",
	"aac":      ".aac",
	"flac":     ".flac",
	"ogg":      ".ogg",
}

// BuildOutputPath joins a validated directory, a sanitized name and the
// format's extension. The name falls back to "export" when sanitizing
// leaves nothing.
func BuildOutputPath(dir, name, format string) string {
	cleaned := SanitizeName(name, 120)
	if cleaned == "" {
		cleaned = "export"
	}
	ext, ok := formatExtensions[format]
	if !ok {
		ext = "." + format
	}
	if strings.EqualFold(filepath.Ext(cleaned), ext) {
		cleaned = cleaned[:len(cleaned)-len(filepath.Ext(cleaned))]
	}
	return filepath.Join(dir, cleaned+ext)
}

// ValidateOutputPath checks the export target before any work starts:
// a clean absolute-or-relative path with no traversal, inside an
// existing directory.
func ValidateOutputPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("output path is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("output path cannot contain path traversal")
		}
	}

	cleaned := filepath.Clean(path)
	if cleaned != path {
		return fmt.Errorf("output path must be a clean path")
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("output directory does not exist")
		}
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory is not a directory")
	}

	return nil
}
