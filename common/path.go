package common

import (
	"os"
	"regexp"
	"strings"

	"github.com/chenyme/grok2api/common/config"
)

var windowsEnvPattern = regexp.MustCompile(`%([A-Za-z0-9_]+)%`)

// expandLogDirPath resolves $VAR and %VAR% placeholders in log directory paths.
// %DATA_DIR% falls back to the configured data directory.
func expandLogDirPath(path string) string {
	if path == "" {
		return ""
	}

	expanded := os.ExpandEnv(path)
	return windowsEnvPattern.ReplaceAllStringFunc(expanded, func(match string) string {
		key := strings.Trim(match, "%")
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val
		}
		if key == "DATA_DIR" {
			return config.DataDir
		}
		return match
	})
}
