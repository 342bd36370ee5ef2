package driver

import (
	"os"
	"strings"
)

// defaultDiligenceText is the built-in fallback used when neither a
// language-specific nor a generic diligence file is present (kernel spec
// §4.8 "Diligence auto-continue").
const defaultDiligenceText = "Continue working toward the task. If you believe the task is complete, say so explicitly; otherwise keep making progress."

// loadDiligenceText resolves the fallback chain: language-specific file,
// then generic file, then the built-in default. It never errors — a
// missing or unreadable file just falls through to the next link.
func loadDiligenceText(files DiligenceFiles) string {
	if files.LanguageSpecific != "" {
		if text := readTrimmed(files.LanguageSpecific); text != "" {
			return text
		}
	}
	if files.Generic != "" {
		if text := readTrimmed(files.Generic); text != "" {
			return text
		}
	}
	return defaultDiligenceText
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
