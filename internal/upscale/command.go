package upscale

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"upscale-worker/internal/models"
)

// outputTail bounds how much of the model's output is kept for error reports.
const outputTail = 4096

// Command runs an external super-resolution binary per job. Arguments may
// contain the placeholders {input}, {output} and {scale}.
type Command struct {
	argv   []string
	factor int
}

// NewCommand builds an external-process upscaler from argv.
func NewCommand(argv []string, factor int) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("model command is empty")
	}
	return &Command{argv: argv, factor: factor}, nil
}

// Process runs the model and waits for it. A non-zero exit whose output
// mentions running out of memory, or exit status 137, wraps ErrOutOfMemory.
func (c *Command) Process(ctx context.Context, req Request) (models.Result, error) {
	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return models.Result{}, fmt.Errorf("create output dir: %w", err)
	}

	replacer := strings.NewReplacer(
		"{input}", req.InputPath,
		"{output}", req.OutputPath,
		"{scale}", strconv.Itoa(scaleFor(req.Params, c.factor)),
	)
	args := make([]string, len(c.argv))
	for i, a := range c.argv {
		args[i] = replacer.Replace(a)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		tail := lastBytes(out.String(), outputTail)
		var exitErr *exec.ExitError
		if (errors.As(err, &exitErr) && exitErr.ExitCode() == 137) || strings.Contains(strings.ToLower(tail), "out of memory") {
			return models.Result{}, fmt.Errorf("model %s: %w: %s", filepath.Base(args[0]), ErrOutOfMemory, tail)
		}
		return models.Result{}, fmt.Errorf("model %s: %w: %s", filepath.Base(args[0]), err, tail)
	}

	if _, err := os.Stat(req.OutputPath); err != nil {
		return models.Result{}, fmt.Errorf("model produced no output: %w", err)
	}
	return models.Result{
		OutputPath: req.OutputPath,
		Elapsed:    int(math.Round(time.Since(start).Seconds())),
	}, nil
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
