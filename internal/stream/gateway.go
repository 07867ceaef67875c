package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
)

// Emitter hands items from a request body to the stream consumer.
type Emitter struct {
	ctx context.Context
	ch  chan<- Event
	buf *strings.Builder
}

// Emit sends one item. Empty content is dropped. It fails only when the
// consumer has gone away.
func (e *Emitter) Emit(content string) error {
	if content == "" {
		return nil
	}
	if e.buf != nil {
		if err := e.ctx.Err(); err != nil {
			return err
		}
		e.buf.WriteString(content)
		return nil
	}
	select {
	case e.ch <- Item(content):
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// Body produces the items of one request.
type Body func(ctx context.Context, out *Emitter) error

// Run executes body on its own goroutine and returns the event stream: one
// Begin, the body's items, a diagnostic item if body fails or panics, then
// one End. The channel is unbuffered so a slow consumer applies
// backpressure; when ctx is cancelled the producer stops sending and the
// channel is closed.
func Run(ctx context.Context, prefix string, body Body) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		send := func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(Begin()) {
			return
		}
		defer send(End())

		if err := call(ctx, body, &Emitter{ctx: ctx, ch: ch}); err != nil {
			if ctx.Err() != nil {
				return
			}
			zerolog.Ctx(ctx).Error().Err(err).Str("stream", prefix).Msg("stream body failed")
			send(Item(Diagnostic(prefix, err)))
		}
	}()
	return ch
}

// Collect runs body on the calling goroutine and returns its items joined.
// Unlike Run, a failing body is reported as an error and nothing is framed.
func Collect(ctx context.Context, body Body) (string, error) {
	var b strings.Builder
	err := call(ctx, body, &Emitter{ctx: ctx, buf: &b})
	return b.String(), err
}

func call(ctx context.Context, body Body, out *Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in stream body")
			err = &PanicError{Value: r}
		}
	}()
	return body(ctx, out)
}

// Diagnostic renders err the way it is shown to the user.
func Diagnostic(prefix string, err error) string {
	return fmt.Sprintf("\n\n[%s] %s: %s", prefix, ErrorKind(err), err.Error())
}

type kinded interface {
	Kind() string
}

// KindError tags an error with a short category shown in diagnostics.
type KindError struct {
	kind string
	err  error
}

func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{kind: kind, err: err}
}

func (e *KindError) Error() string { return e.err.Error() }
func (e *KindError) Kind() string { return e.kind }
func (e *KindError) Unwrap() error { return e.err }

type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprint(e.Value) }
func (e *PanicError) Kind() string { return "PanicError" }

func ErrorKind(err error) string {
	var k kinded
	switch {
	case errors.As(err, &k):
		return k.Kind()
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	default:
		return "Error"
	}
}
