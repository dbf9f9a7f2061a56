package captcha

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandSolver runs an external recognizer that reads the image on stdin
// and prints its answer on stdout.
func CommandSolver(path string, args ...string) Solver {
	return func(ctx context.Context, image []byte) (string, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Stdin = bytes.NewReader(image)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("run solver %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
