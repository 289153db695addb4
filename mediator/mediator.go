// Package mediator routes command and query values to the single handler
// registered for their kind.
//
// Handlers are registered on a Builder at startup. Build freezes them into a
// Dispatcher whose registry is never mutated again, so Dispatch needs no
// locking.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/brandshop/authcore/internal/logging"
	"github.com/brandshop/authcore/internal/reqctx"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const correlationIDLength = 8

var (
	// ErrNoHandler is wrapped by NoHandlerError.
	ErrNoHandler = errors.New("no handler registered")
	// ErrDuplicateHandler is returned by Build when a kind is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrResultType is returned by Send when the handler result has the wrong type.
	ErrResultType = errors.New("unexpected handler result type")
)

// Kind tags a request type.
type Kind string

// Request is anything that can be dispatched.
type Request interface {
	Kind() Kind
}

// Handler processes one request kind.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// NoHandlerError reports a request kind without a handler.
type NoHandlerError struct {
	Kind Kind
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.Kind)
}

func (e *NoHandlerError) Unwrap() error { return ErrNoHandler }

// Classifier decides how a handler error is reported. It returns the error
// Dispatch hands back, a short code for logs, and whether the error is an
// expected business outcome (logged at WARN) rather than a fault (ERROR).
type Classifier interface {
	Classify(err error) (out error, code string, business bool)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) (error, string, bool)

func (f ClassifierFunc) Classify(err error) (error, string, bool) {
	return f(err)
}

type passthrough struct{}

func (passthrough) Classify(err error) (error, string, bool) {
	return err, "", false
}

// Builder collects handlers.
type Builder struct {
	handlers   map[Kind]Handler
	duplicates []Kind
	log        logrus.FieldLogger
	classifier Classifier
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[Kind]Handler)}
}

func (b *Builder) WithLogger(l logrus.FieldLogger) *Builder {
	b.log = l
	return b
}

func (b *Builder) WithClassifier(c Classifier) *Builder {
	b.classifier = c
	return b
}

// Register binds kind to h. Registering a kind twice makes Build fail.
func (b *Builder) Register(kind Kind, h Handler) *Builder {
	if _, exists := b.handlers[kind]; exists {
		b.duplicates = append(b.duplicates, kind)
		return b
	}
	b.handlers[kind] = h
	return b
}

func (b *Builder) RegisterFunc(kind Kind, fn HandlerFunc) *Builder {
	return b.Register(kind, fn)
}

// Build freezes the registry.
func (b *Builder) Build() (*Dispatcher, error) {
	if len(b.duplicates) > 0 {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateHandler, b.duplicates[0])
	}
	for kind, h := range b.handlers {
		if h == nil {
			return nil, fmt.Errorf("mediator: nil handler for %q", kind)
		}
	}

	handlers := make(map[Kind]Handler, len(b.handlers))
	for kind, h := range b.handlers {
		handlers[kind] = h
	}

	classifier := b.classifier
	if classifier == nil {
		classifier = passthrough{}
	}

	return &Dispatcher{
		handlers:   handlers,
		log:        logging.OrDiscard(b.log),
		classifier: classifier,
	}, nil
}

// Dispatcher is the frozen registry.
type Dispatcher struct {
	handlers   map[Kind]Handler
	log        logrus.FieldLogger
	classifier Classifier
}

// Dispatch runs the handler registered for req.Kind(). The context passed to
// the handler always carries a correlation id.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	id := reqctx.CorrelationID(ctx)
	if id == "" {
		id = uuid.NewString()[:correlationIDLength]
		ctx = reqctx.WithCorrelationID(ctx, id)
	}

	var kind Kind
	if req != nil {
		kind = req.Kind()
	}
	log := d.log.WithFields(logrus.Fields{
		"correlation_id": id,
		"request":        kind,
	})

	h, ok := d.handlers[kind]
	if !ok {
		out, code, _ := d.classifier.Classify(&NoHandlerError{Kind: kind})
		log.WithField("error_code", code).Error("no handler registered")
		return nil, out
	}

	res, err := invoke(ctx, h, req)
	if err != nil {
		out, code, business := d.classifier.Classify(err)
		if business {
			log.WithField("error_code", code).Warn(err.Error())
		} else {
			log.WithError(err).WithField("error_code", code).Error("request failed")
		}
		return nil, out
	}

	log.Debug("request handled")
	return res, nil
}

func invoke(ctx context.Context, h Handler, req Request) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return h.Handle(ctx, req)
}

// Kinds lists registered kinds in sorted order.
func (d *Dispatcher) Kinds() []Kind {
	kinds := make([]Kind, 0, len(d.handlers))
	for k := range d.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Send dispatches req and asserts the result type.
func Send[R any](ctx context.Context, d *Dispatcher, req Request) (R, error) {
	var zero R

	res, err := d.Dispatch(ctx, req)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrResultType, req.Kind(), res)
	}
	return r, nil
}
