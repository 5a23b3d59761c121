package storage

import (
	"context"
	"time"

	"mpcrelay/internal/fault"
)

// Recorder receives one observation per storage call
type Recorder interface {
	RecordStorage(provider, operation, status string, seconds float64)
}

// metricsWrapper wraps a Backend and records every call
type metricsWrapper struct {
	Backend
	rec Recorder
}

// NewMetricsWrapper wraps a Backend so each call is recorded on rec
func NewMetricsWrapper(b Backend, rec Recorder) Backend {
	return &metricsWrapper{
		Backend: b,
		rec:     rec,
	}
}

func (m *metricsWrapper) observe(operation string, start time.Time, err error) {
	status := "success"
	switch fault.KindOf(err) {
	case fault.KindNone:
	case fault.KindNotFound:
		status = "not_found"
	default:
		status = "error"
	}
	m.rec.RecordStorage(string(m.Provider()), operation, status, time.Since(start).Seconds())
}

func (m *metricsWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	content, err := m.Backend.Get(ctx, key)
	m.observe("get", start, err)
	return content, err
}

func (m *metricsWrapper) Store(ctx context.Context, key string, content []byte, contentType string) error {
	start := time.Now()
	err := m.Backend.Store(ctx, key, content, contentType)
	m.observe("store", start, err)
	return err
}

func (m *metricsWrapper) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := m.Backend.Exists(ctx, key)
	m.observe("exists", start, err)
	return ok, err
}

func (m *metricsWrapper) CreateContainer(ctx context.Context) error {
	start := time.Now()
	err := m.Backend.CreateContainer(ctx)
	m.observe("create_container", start, err)
	return err
}

func (m *metricsWrapper) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	n, err := m.Backend.DeleteByPrefix(ctx, prefix)
	m.observe("delete_prefix", start, err)
	return n, err
}
