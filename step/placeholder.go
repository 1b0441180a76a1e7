package step

import (
	"os"
	"path/filepath"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{file:([^}]+)\}`)

// expandPlaceholders substitutes every `{file:path}` token in prompt
// with the contents of that file, resolved relative to workingDir when
// not absolute. A missing or unreadable file degrades to an empty
// string — placeholder expansion uses partial-success semantics and
// never fails the step (§4.6).
func expandPlaceholders(prompt, workingDir string) string {
	return placeholderPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return ""
		}
		path := sub[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return string(data)
	})
}
