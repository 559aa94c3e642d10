package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/check-raid/internal/defaults"
)

// runInit writes the example configuration into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(path, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "%s already exists, left unchanged\n", path)
	}
	fmt.Fprintln(w, "Edit the devices and mqtt sections, then run check-raid -p to review.")
	return nil
}

// writeIfMissing writes content to path only if the file does not exist.
// The file may hold broker credentials, so it is created owner-only.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
