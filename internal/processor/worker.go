package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jo-hoe/heic2png/internal/convert"
	"github.com/jo-hoe/heic2png/internal/jobs"
	"github.com/jo-hoe/heic2png/internal/storage"
)

// registryWriteTimeout bounds the terminal registry write, which runs
// detached from the conversion context.
const registryWriteTimeout = 10 * time.Second

// Worker implements jobs.Processor: it converts one upload, stores the
// artifacts and records the terminal job state.
type Worker struct {
	Log       *slog.Logger
	Registry  jobs.Registry
	Converter convert.Converter
	Artifacts storage.ArtifactStore
	Timeout   time.Duration // per job conversion deadline, zero disables
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, reg jobs.Registry, c convert.Converter, artifacts storage.ArtifactStore, timeout time.Duration) *Worker {
	return &Worker{
		Log:       log,
		Registry:  reg,
		Converter: c,
		Artifacts: artifacts,
		Timeout:   timeout,
	}
}

// Process never leaves the job pending: every path ends in Complete or Fail.
func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) (err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		reason := fmt.Sprintf("internal error: %v", rec)
		if ferr := w.finish(ctx, func(c context.Context) error {
			return w.Registry.Fail(c, item.JobID, reason)
		}); ferr != nil && !errors.Is(ferr, jobs.ErrInvalidTransition) {
			err = fmt.Errorf("record failure %q: %w", reason, ferr)
			return
		}
		err = errors.New(reason)
	}()

	ref, convErr := w.convert(ctx, item)
	if convErr != nil {
		if err := w.finish(ctx, func(c context.Context) error {
			return w.Registry.Fail(c, item.JobID, convErr.Error())
		}); err != nil {
			return fmt.Errorf("record failure %q: %w", convErr, err)
		}
		return convErr
	}
	if err := w.finish(ctx, func(c context.Context) error {
		return w.Registry.Complete(c, item.JobID, ref)
	}); err != nil {
		// the artifact exists but the registry refused it; make sure the job still terminates
		_ = w.finish(ctx, func(c context.Context) error {
			return w.Registry.Fail(c, item.JobID, "record result failed")
		})
		return fmt.Errorf("record result: %w", err)
	}
	w.Log.Debug("job complete", "job_id", item.JobID, "artifact", ref)
	return nil
}

func (w *Worker) convert(ctx context.Context, item jobs.WorkItem) (ref string, err error) {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	input, err := os.ReadFile(item.InputPath)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}

	outputs, err := w.safeConvert(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("conversion timed out after %s", w.Timeout)
		}
		return "", fmt.Errorf("convert: %w", err)
	}
	if len(outputs) == 0 {
		return "", errors.New("converter produced no output")
	}
	if len(outputs) > 1 {
		w.Log.Debug("converter produced several images; exposing the first", "job_id", item.JobID, "count", len(outputs))
	}

	ref, err = w.Artifacts.Save(ctx, item.JobID, w.Converter.Extension(), w.Converter.ContentType(), outputs)
	if err != nil {
		return "", fmt.Errorf("store artifacts: %w", err)
	}
	return ref, nil
}

// safeConvert turns a converter panic into an error so one bad input cannot take down the worker.
func (w *Worker) safeConvert(ctx context.Context, input []byte) (out [][]byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("converter panic: %v", rec)
		}
	}()
	return w.Converter.Convert(ctx, input)
}

// finish runs a registry write that must happen even if ctx is already cancelled.
func (w *Worker) finish(ctx context.Context, write func(context.Context) error) error {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryWriteTimeout)
	defer cancel()
	return write(c)
}
