// Package dispatch coordinates one operation request: it validates the
// request, stages inputs from storage, runs the compute engine and persists
// the produced outputs under the requesting user's namespace.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mpcrelay/internal/compute"
	"mpcrelay/internal/fault"
	"mpcrelay/internal/storage"
)

const (
	// DefaultStageConcurrency bounds parallel input fetches per request
	DefaultStageConcurrency = 4
	// UnknownOperationLabel replaces unsupported operation names in metrics
	UnknownOperationLabel = "unknown"
)

// Request is an inbound operation request
type Request struct {
	Operation string         `json:"operation"`
	User      string         `json:"user"`
	Inputs    []string       `json:"inputs"`
	Params    map[string]any `json:"params"`

	RequestID string `json:"-"`
}

// Result is the outcome of a dispatch. A success carries only status and
// output keys; failures add the error and its kind. Compute-succeeded and
// persisted are set only when outputs could not all be stored.
type Result struct {
	Status           int        `json:"status"`
	Outputs          []string   `json:"outputs,omitempty"`
	Error            string     `json:"error,omitempty"`
	Kind             fault.Kind `json:"kind,omitempty"`
	ComputeSucceeded bool       `json:"compute_succeeded,omitempty"`
	Persisted        []string   `json:"persisted,omitempty"`
}

// Invoker runs compute engines
type Invoker interface {
	Supports(name string) bool
	ExpectedOutputs(op compute.Operation) []string
	Invoke(ctx context.Context, inv compute.Invocation) (*compute.Result, error)
}

// Recorder receives per-dispatch observations
type Recorder interface {
	RecordDispatch(operation, kind string, seconds float64)
	RecordPartialFailure(operation string)
}

// Dispatcher runs the request state machine. It holds no per-request state
// and is safe for concurrent use.
type Dispatcher struct {
	backend          storage.Backend
	invoker          Invoker
	rec              Recorder
	logger           *logrus.Logger
	stageConcurrency int
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithStageConcurrency sets how many inputs are fetched in parallel
func WithStageConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.stageConcurrency = n
		}
	}
}

// New creates a Dispatcher. rec may be nil.
func New(backend storage.Backend, invoker Invoker, rec Recorder, logger *logrus.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:          backend,
		invoker:          invoker,
		rec:              rec,
		logger:           logger,
		stageConcurrency: DefaultStageConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// validated is a request that passed Validate
type validated struct {
	op      compute.Operation
	session *storage.Session
	outputs []string
}

// Dispatch processes req to a terminal state. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Result {
	start := time.Now()
	log := d.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"operation":  req.Operation,
		"user":       req.User,
	})

	res := d.run(ctx, req, log)

	elapsed := time.Since(start)
	if d.rec != nil {
		label := d.operationLabel(req.Operation)
		d.rec.RecordDispatch(label, string(res.Kind), elapsed.Seconds())
		if res.ComputeSucceeded {
			d.rec.RecordPartialFailure(label)
		}
	}

	entry := log.WithFields(logrus.Fields{
		"status":   res.Status,
		"duration": elapsed.String(),
	})
	switch {
	case res.Kind == fault.KindNone:
		entry.WithField("outputs", res.Outputs).Info("Operation succeeded")
	case res.ComputeSucceeded:
		entry.WithFields(logrus.Fields{
			"kind":      res.Kind,
			"persisted": res.Persisted,
			"error":     res.Error,
		}).Error("Operation outputs not persisted")
	case res.Status >= http.StatusInternalServerError:
		entry.WithFields(logrus.Fields{"kind": res.Kind, "error": res.Error}).Error("Operation failed")
	default:
		entry.WithFields(logrus.Fields{"kind": res.Kind, "error": res.Error}).Warn("Operation rejected")
	}

	return res
}

// operationLabel keeps metric label values within the known operation set
func (d *Dispatcher) operationLabel(name string) string {
	if d.invoker.Supports(name) {
		return name
	}
	return UnknownOperationLabel
}

func (d *Dispatcher) run(ctx context.Context, req Request, log *logrus.Entry) *Result {
	v, err := d.validate(req)
	if err != nil {
		return failure(err)
	}

	inputs, err := d.stageInputs(ctx, v.session, req.Inputs)
	if err != nil {
		return failure(err)
	}
	log.WithField("inputs", len(inputs)).Debug("Inputs staged")

	out, err := d.invoker.Invoke(ctx, compute.Invocation{
		Operation: v.op,
		User:      req.User,
		Inputs:    inputs,
		Params:    req.Params,
	})
	if err != nil {
		return failure(err)
	}

	for _, key := range v.outputs {
		if _, ok := out.Outputs[key]; !ok {
			return failure(fmt.Errorf("%w: %s did not produce output %q", fault.ErrComputeFailure, v.op, key))
		}
	}

	persisted, err := d.persistOutputs(ctx, v.session, v.outputs, out.Outputs)
	if err != nil {
		res := failure(fmt.Errorf("%w: %v", fault.ErrStorageUnavailable, err))
		res.ComputeSucceeded = true
		res.Persisted = persisted
		return res
	}

	return &Result{
		Status:  http.StatusOK,
		Outputs: v.outputs,
	}
}

// validate checks the request shape without touching storage or processes
func (d *Dispatcher) validate(req Request) (*validated, error) {
	if req.Operation == "" {
		return nil, fmt.Errorf("%w: operation is required", fault.ErrBadRequest)
	}
	if !d.invoker.Supports(req.Operation) {
		return nil, fmt.Errorf("%w: %q", fault.ErrUnknownOperation, req.Operation)
	}
	op := compute.Operation(req.Operation)

	session, err := storage.NewSession(d.backend, req.User)
	if err != nil {
		return nil, err
	}

	if err := uniqueKeys("input", req.User, req.Inputs); err != nil {
		return nil, err
	}

	if _, err := compute.ParamFlags(req.Params); err != nil {
		return nil, err
	}

	outputs, ok, err := compute.OutputsOverride(req.Params)
	if err != nil {
		return nil, err
	}
	if !ok {
		outputs = d.invoker.ExpectedOutputs(op)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs expected", fault.ErrBadRequest)
	}
	if err := uniqueKeys("output", req.User, outputs); err != nil {
		return nil, err
	}

	return &validated{op: op, session: session, outputs: outputs}, nil
}

func uniqueKeys(what, user string, keys []string) error {
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, err := storage.NamespacedKey(user, key); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate %s %q", fault.ErrBadRequest, what, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// stageInputs checks and fetches every input with bounded parallelism. The
// first failure cancels the remaining fetches.
func (d *Dispatcher) stageInputs(ctx context.Context, session *storage.Session, keys []string) ([]compute.Input, error) {
	inputs := make([]compute.Input, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.stageConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			exists, err := session.Exists(gctx, key)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %s", fault.ErrMissingInput, key)
			}
			content, err := session.Get(gctx, key)
			if errors.Is(err, fault.ErrNotFound) {
				return fmt.Errorf("%w: %s", fault.ErrMissingInput, key)
			}
			if err != nil {
				return err
			}
			inputs[i] = compute.Input{Name: key, Content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// persistOutputs stores every expected output, attempting all of them, and
// returns the keys that were stored.
func (d *Dispatcher) persistOutputs(ctx context.Context, session *storage.Session, keys []string, produced map[string][]byte) ([]string, error) {
	var (
		persisted []string
		errs      []error
	)
	for _, key := range keys {
		if err := session.Store(ctx, key, produced[key], storage.DefaultContentType); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", key, err))
			continue
		}
		persisted = append(persisted, key)
	}
	return persisted, errors.Join(errs...)
}

func failure(err error) *Result {
	kind := fault.KindOf(err)
	return &Result{
		Status: fault.HTTPStatus(kind),
		Error:  err.Error(),
		Kind:   kind,
	}
}
