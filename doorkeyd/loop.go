package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/barnettlynn/doorkey/internal/lifecycle"
)

const (
	modeAuth = "auth"
	modeRead = "read"
)

// decisionRecorder counts access decisions.
type decisionRecorder interface {
	Decision(verdict, reason string)
}

// loop polls the reader and decides on each newly presented card.
type loop struct {
	engine   *lifecycle.Engine
	lookup   lifecycle.UserLookup
	names    func(lifecycle.Identifier) (string, bool)
	mode     string
	interval time.Duration
	once     bool
	out      io.Writer
	metrics  decisionRecorder
	logger   *slog.Logger

	// last is the card handled most recently; it is not handled again
	// until the field has been seen empty.
	last lifecycle.Identifier
	// result is the last decision, for -once.
	result *lifecycle.Outcome
}

// Run polls until ctx is done, or until the first decision with once set.
func (l *loop) Run(ctx context.Context) error {
	for {
		decided, err := l.step(ctx)
		if err != nil {
			return err
		}
		if decided && l.once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.interval):
		}
	}
}

// step checks the field once and reports whether a card was decided on.
func (l *loop) step(ctx context.Context) (bool, error) {
	if l.mode == modeRead {
		return l.read(ctx)
	}

	p, out, err := l.engine.Check(ctx, l.lookup, l.seen)
	switch {
	case errors.Is(err, lifecycle.ErrNoCard):
		l.last = nil
		return false, nil
	case errors.Is(err, lifecycle.ErrRepeatedCard):
		return false, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, nil
		}
		l.last = nil
		l.logger.Warn("card detection failed", "err", err, "reason", lifecycle.ReasonOf(err))
		return false, nil
	}

	l.last = p.ID
	l.result = &out
	l.metrics.Decision(out.Verdict.String(), string(out.Reason))
	name, _ := l.names(p.ID)
	attrs := []any{"uid", p.ID, "class", p.Class, "user", name, "verdict", out.Verdict}
	if out.Reason != lifecycle.ReasonNone {
		attrs = append(attrs, "reason", out.Reason)
	}
	l.logger.Info("access decision", attrs...)
	fmt.Fprintf(l.out, "%s %s %s %s\n", out.Verdict, p.ID, name, out.Reason)
	return true, nil
}

// read reports card identifiers without authenticating.
func (l *loop) read(ctx context.Context) (bool, error) {
	p, err := l.engine.Poll(ctx)
	switch {
	case errors.Is(err, lifecycle.ErrNoCard):
		l.last = nil
		return false, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, nil
		}
		l.last = nil
		l.logger.Warn("card detection failed", "err", err, "reason", lifecycle.ReasonOf(err))
		return false, nil
	}
	if l.seen(p.ID) {
		return false, nil
	}
	l.last = p.ID
	fmt.Fprintf(l.out, "%s %s\n", p.ID, p.Class)
	return true, nil
}

func (l *loop) seen(id lifecycle.Identifier) bool {
	return l.last != nil && bytes.Equal(l.last, id)
}
