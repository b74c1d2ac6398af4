package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxProgramLine bounds a single G-code line read from a program file
const maxProgramLine = 64 * 1024

// readProgram returns the non-blank lines of r, trimmed. Lines are passed
// through otherwise untouched; comments are the controller's business.
func readProgram(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxProgramLine)

	var lines []string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// readProgramFile reads a program from path, or from stdin when path is "-"
func readProgramFile(path string, stdin io.Reader) ([]string, error) {
	if path == "-" {
		lines, err := readProgram(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read program from stdin: %w", err)
		}
		return lines, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open program: %w", err)
	}
	defer f.Close()

	lines, err := readProgram(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read program %s: %w", path, err)
	}
	return lines, nil
}
