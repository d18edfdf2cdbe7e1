package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/heic2png/internal/common"
	appcfg "github.com/jo-hoe/heic2png/internal/config"
	"github.com/jo-hoe/heic2png/internal/convert"
)

const (
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"

	inputName  = "input" + common.ExtHEIC
	outputStem = "output"

	waitDelay = time.Second
)

// Converter runs an external HEIC decoder (heif-convert by default) via
// os/exec. Each call works in its own temporary directory.
type Converter struct {
	command string
	args    []string
	tmpRoot string
}

var _ convert.Converter = (*Converter)(nil)

// New creates a command Converter. tmpRoot may be empty to use os.TempDir.
func New(cfg appcfg.ExecSettings, tmpRoot string) (*Converter, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("conversion command must not be empty")
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{placeholderInput, placeholderOutput}
	}
	if tmpRoot != "" {
		if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
			return nil, fmt.Errorf("ensure tmp root: %w", err)
		}
	}
	return &Converter{command: cfg.Command, args: args, tmpRoot: tmpRoot}, nil
}

func (c *Converter) ContentType() string { return common.MimeImagePNG }
func (c *Converter) Extension() string   { return common.ExtPNG }

func (c *Converter) Convert(ctx context.Context, input []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp(c.tmpRoot, "convert-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inPath := filepath.Join(dir, inputName)
	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}
	outPath := filepath.Join(dir, outputStem+common.ExtPNG)

	args := make([]string, len(c.args))
	for i, a := range c.args {
		a = strings.ReplaceAll(a, placeholderInput, inPath)
		args[i] = strings.ReplaceAll(a, placeholderOutput, outPath)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command, args...) // #nosec G204 - command comes from operator config
	cmd.Dir = dir
	cmd.Stderr = &stderr
	// grandchildren holding stderr open must not stall Wait past cancellation
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", c.command, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", c.command, err)
		}
		return nil, fmt.Errorf("%s: %w: %s", c.command, err, msg)
	}

	paths, err := collectOutputs(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s produced no output", c.command)
	}
	out := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p) // #nosec G304 - path inside our own work dir
		if err != nil {
			return nil, fmt.Errorf("read output: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// collectOutputs finds output.png and output-N.png in dir, ordered with the
// unnumbered file first and then by N. Multi-image files make heif-convert
// emit numbered siblings.
func collectOutputs(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, outputStem+"*"+common.ExtPNG))
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	type ranked struct {
		path string
		n    int
	}
	items := make([]ranked, 0, len(matches))
	for _, m := range matches {
		n, ok := outputIndex(filepath.Base(m))
		if !ok {
			continue
		}
		items = append(items, ranked{path: m, n: n})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].n < items[j].n })
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.path
	}
	return paths, nil
}

// outputIndex returns -1 for "output.png" and N for "output-N.png".
func outputIndex(name string) (int, bool) {
	rest := strings.TrimSuffix(strings.TrimPrefix(name, outputStem), common.ExtPNG)
	if rest == "" {
		return -1, true
	}
	if !strings.HasPrefix(rest, "-") {
		return 0, false
	}
	n, err := strconv.Atoi(rest[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
