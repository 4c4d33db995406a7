// Package event implements the pool's structured logging, progress
// reporting, ereport ring buffer, and deadman timer. Logging is kept
// separate from the ereport stream: logging is for operators watching a
// terminal, ereports are a bounded in-memory record of terminal errors
// that statistics and "zpool events"-style consumers can drain.
package event

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the subset of logging calls the rest of this module uses.
// Debug output is gated separately from info so verbose pool imports
// don't drown routine operator output.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	IsDebugEnabled() bool
}

// Progress reports long-running operations (resilver, scrub, L2ARC
// rebuild) to a terminal.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
}

// ProgressReporter creates Progress trackers.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// View combines a Logger with a ProgressReporter, the shape every
// subsystem in this module accepts for reporting to an operator.
type View interface {
	Logger
	ProgressReporter
}

// CLI is a terminal-backed View, backed by logrus for structured output
// and mpb for progress bars.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool

	lock               sync.Mutex
	isTrackingProgress bool
	bars               map[*mpb.Bar]bool
	buffer             *bytes.Buffer
	progressContainer  *mpb.Progress
}

func (c *CLI) Debugf(format string, x ...interface{}) {
	if c.IsDebug {
		logrus.Debugf(format, x...)
	}
}

func (c *CLI) Infof(format string, x ...interface{})  { logrus.Infof(format, x...) }
func (c *CLI) Warnf(format string, x ...interface{})  { logrus.Warnf(format, x...) }
func (c *CLI) Errorf(format string, x ...interface{}) { logrus.Errorf(format, x...) }

func (c *CLI) IsDebugEnabled() bool { return c.IsDebug }

// NewProgress returns a progress tracker. With DisableTTY set (e.g. when
// logs are redirected to a file) it returns a no-op tracker instead of
// corrupting output with control characters.
func (c *CLI) NewProgress(label string, units string, total int64) Progress {
	if c.DisableTTY {
		return &nilProgress{}
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.isTrackingProgress {
		c.isTrackingProgress = true
		c.buffer = new(bytes.Buffer)
		logrus.SetOutput(c.buffer)
		c.progressContainer = mpb.New(mpb.WithWidth(80))
		c.bars = make(map[*mpb.Bar]bool)
	}

	var decorators []decor.Decorator
	switch units {
	case "%":
		decorators = append(decorators, decor.Percentage())
	default:
		decorators = append(decorators, decor.Counters(decor.UnitKiB, "% .1f / % .1f"))
	}

	var bar *mpb.Bar
	if total == 0 {
		bar = c.progressContainer.AddSpinner(0, mpb.SpinnerOnLeft,
			mpb.PrependDecorators(decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight})))
	} else {
		bar = c.progressContainer.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
			),
			mpb.AppendDecorators(decorators...),
		)
	}

	c.bars[bar] = true
	return &pb{cli: c, bar: bar, total: total}
}

type nilProgress struct{}

func (*nilProgress) Finish(bool)     {}
func (*nilProgress) Increment(int64) {}

type pb struct {
	cli    *CLI
	bar    *mpb.Bar
	total  int64
	cursor int64
	closed bool
}

func (p *pb) Increment(n int64) {
	p.cursor += n
	p.bar.IncrInt64(n)
}

func (p *pb) Finish(success bool) {
	if p.closed {
		return
	}
	p.closed = true
	if p.cursor != p.total || p.total == 0 || !success {
		p.bar.Abort(false)
	}

	p.cli.lock.Lock()
	defer p.cli.lock.Unlock()
	delete(p.cli.bars, p.bar)
	if len(p.cli.bars) == 0 {
		p.cli.bars = nil
		p.cli.isTrackingProgress = false
		p.cli.progressContainer.Wait()
		p.cli.progressContainer = nil
		logrus.SetOutput(os.Stdout)
		_, _ = p.cli.buffer.WriteTo(os.Stdout)
		p.cli.buffer = nil
	}
}

// Format renders a logrus entry the way the teacher's elog.CLI.Format
// does: severity-colored, single line, color disabled on request.
func (c *CLI) Format(e *logrus.Entry) ([]byte, error) {
	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	msg := e.Message
	if !c.DisableColors {
		switch e.Level {
		case logrus.DebugLevel:
			msg = fmt.Sprintf("%s\n", blue(msg))
		case logrus.TraceLevel:
			msg = fmt.Sprintf("%s\n", faint(msg))
		case logrus.WarnLevel:
			msg = fmt.Sprintf("%s\n", yellow(msg))
		case logrus.ErrorLevel:
			msg = fmt.Sprintf("%s\n", red(msg))
		default:
			msg = fmt.Sprintf("%s\n", msg)
		}
	} else {
		msg = fmt.Sprintf("%s\n", msg)
	}
	return []byte(msg), nil
}
