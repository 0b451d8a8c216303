package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mcpchat/mcpchat/examples"
)

// runInit writes the example config into dir as mcpchat.yaml. Refuses
// to overwrite an existing file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "mcpchat.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}

	if err := os.WriteFile(path, examples.ConfigYAML, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintln(stdout, "Edit it to point at your MCP servers, then run: mcpchat chat")
	return nil
}
