// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package builder implements the Builder-Helper protocol: a
// short-lived child process that builds, saves, or restores a domain,
// streaming progress and result frames over line-based pipes. The
// process supervision idiom (inherited FDs, close-on-exec, debug/result
// fan-in) follows base.Command.
package builder

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// Mode selects what the helper process is asked to do.
type Mode int

const (
	ModeBuild Mode = iota
	ModeSave
	ModeHVMSave
	ModeRestore
	ModeHVMRestore
)

// SaveMagic and DMMagic are the literal framing markers written ahead
// of a suspend or device-model state blob.
const (
	SaveMagic = "XenSavedDomain\n"
	DMMagic   = "QemuDeviceModelRecord\n"
)

// BuildResult is the parsed terminal "result" frame for a build/restore.
type BuildResult struct {
	StoreMfn   uint64
	ConsoleMfn uint64
	Protocol   string // only set for build; empty for restore
	RawFields  []string
}

// Frame is one parsed line from the helper's debug channel.
type Frame struct {
	Kind    FrameKind
	Text    string // debug text, or error text
	Percent int    // progress percent, clamped to [0,100]
}

type FrameKind int

const (
	FrameDebug FrameKind = iota
	FrameProgress
	FrameSuspend
	FrameResult
	FrameError
)

// ProgressSink receives progress percentages, clamped to [0,100]
// before being reported to the task.
type ProgressSink interface {
	Progress(percent int)
}

// DebugSink receives forwarded debug text.
type DebugSink interface {
	Debug(text string)
}

// Helper drives one invocation of the builder-helper child process.
type Helper struct {
	log  base.Logger
	path string
}

// NewHelper returns a Helper that execs the binary at path.
func NewHelper(log base.Logger, path string) *Helper {
	return &Helper{log: log, path: path}
}

// Run execs the helper with args and the hypervisor control FD (and,
// for save/restore, the image FD) already arranged by the caller via
// extraFiles, then decodes the frames on its stdout into progress,
// debug and onSuspend (its stderr goes to the logger) until a terminal
// result/error frame or ctx cancellation.
//
// onSuspend is invoked exactly once, synchronously, when the helper
// emits "suspend" ( "when helper emits suspend, issue
// request_shutdown(Suspend, 30s)"); its error aborts the run.
func (h *Helper) Run(ctx context.Context, args []string, extraFiles []*os.File, progress ProgressSink, debug DebugSink, onSuspend func() error) (*BuildResult, error) {
	cmd := exec.CommandContext(ctx, h.path, args...)
	cmd.ExtraFiles = extraFiles
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "start: %v", err)
	}

	var result *BuildResult
	var helperErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return drainDebug(stderr, h.log)
	})
	g.Go(func() error {
		r, herr := pumpFrames(gctx, stdout, progress, debug, onSuspend)
		result, helperErr = r, herr
		return nil
	})
	_ = g.Wait()

	waitErr := cmd.Wait()
	if helperErr != nil {
		return nil, helperErr
	}
	if waitErr != nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "helper exited: %v", waitErr)
	}
	if result == nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "helper closed stdout without a result")
	}
	return result, nil
}

func drainDebug(r io.Reader, log base.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debugf("builder-helper: %s", scanner.Text())
	}
	return nil
}

func pumpFrames(ctx context.Context, r io.Reader, progress ProgressSink, debug DebugSink, onSuspend func() error) (*BuildResult, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.KindCancelled)
		default:
		}
		line := scanner.Text()
		frame, err := parseFrame(line)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case FrameDebug:
			if debug != nil {
				debug.Debug(frame.Text)
			}
		case FrameProgress:
			if progress != nil {
				progress.Progress(frame.Percent)
			}
		case FrameSuspend:
			if onSuspend != nil {
				if err := onSuspend(); err != nil {
					return nil, err
				}
			}
		case FrameResult:
			return parseResult(frame.Text)
		case FrameError:
			return nil, types.NewErrorf(types.KindHelperReported, "%s", frame.Text)
		}
	}
	return nil, nil
}

func parseFrame(line string) (Frame, error) {
	switch {
	case strings.HasPrefix(line, "debug "):
		return Frame{Kind: FrameDebug, Text: strings.TrimPrefix(line, "debug ")}, nil
	case strings.HasPrefix(line, "progress "):
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "progress "), "\b\b\b\b"))
		pct, err := strconv.Atoi(text)
		if err != nil {
			return Frame{}, types.NewErrorf(types.KindHelperProtocol, "bad progress frame %q: %v", line, err)
		}
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		return Frame{Kind: FrameProgress, Percent: pct}, nil
	case line == "suspend":
		return Frame{Kind: FrameSuspend}, nil
	case strings.HasPrefix(line, "result "):
		return Frame{Kind: FrameResult, Text: strings.TrimPrefix(line, "result ")}, nil
	case strings.HasPrefix(line, "error "):
		return Frame{Kind: FrameError, Text: strings.TrimPrefix(line, "error ")}, nil
	default:
		return Frame{}, types.NewErrorf(types.KindHelperProtocol, "unrecognized helper frame %q", line)
	}
}

func parseResult(text string) (*BuildResult, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil, types.NewErrorf(types.KindHelperProtocol, "result frame %q has too few fields", text)
	}
	storeMfn, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "bad store_mfn in %q: %v", text, err)
	}
	consoleMfn, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, types.NewErrorf(types.KindHelperProtocol, "bad console_mfn in %q: %v", text, err)
	}
	res := &BuildResult{StoreMfn: storeMfn, ConsoleMfn: consoleMfn, RawFields: fields}
	if len(fields) >= 3 {
		res.Protocol = fields[2]
	}
	return res, nil
}
