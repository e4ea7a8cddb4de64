package fetcher

import "os"

// writeTestFile writes content to path for download-to-file assertions.
func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
