package storage

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpcrelay/internal/fault"
)

// fakeGCS serves the subset of the GCS JSON and XML APIs the adapter uses
type fakeGCS struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte // bucket/object
	denied  bool
}

func newFakeGCS(t *testing.T) (*fakeGCS, *httptest.Server) {
	t.Helper()
	f := &fakeGCS{buckets: map[string]bool{}, objects: map[string][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func gcsError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func gcsJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGCS) objectResource(bucket, name string) map[string]any {
	return map[string]any{
		"kind":       "storage#object",
		"bucket":     bucket,
		"name":       name,
		"size":       strconv.Itoa(len(f.objects[bucket+"/"+name])),
		"generation": "1",
	}
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.denied {
		gcsError(w, http.StatusForbidden, "access denied")
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/upload/storage/v1/b/"):
		f.upload(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/upload/storage/v1/b/"), "/o"))
	case path == "/storage/v1/b" && r.Method == http.MethodPost:
		f.createBucket(w, r)
	case strings.HasPrefix(path, "/storage/v1/b/"):
		bucket, rest, _ := strings.Cut(strings.TrimPrefix(path, "/storage/v1/b/"), "/")
		if !f.buckets[bucket] {
			gcsError(w, http.StatusNotFound, "bucket not found")
			return
		}
		if rest == "o" {
			f.list(w, bucket, r.URL.Query().Get("prefix"))
			return
		}
		f.object(w, r, bucket, strings.TrimPrefix(rest, "o/"))
	default:
		// XML API read: /<bucket>/<object>
		bucket, name, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
		content, ok := f.objects[bucket+"/"+name]
		if !ok {
			gcsError(w, http.StatusNotFound, "no such object")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Header().Set("X-Goog-Generation", "1")
		_, _ = w.Write(content)
	}
}

func (f *fakeGCS) createBucket(w http.ResponseWriter, r *http.Request) {
	var bucket struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&bucket); err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.buckets[bucket.Name] {
		gcsError(w, http.StatusConflict, "bucket already exists")
		return
	}
	f.buckets[bucket.Name] = true
	gcsJSON(w, map[string]any{"kind": "storage#bucket", "name": bucket.Name})
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request, bucket string) {
	if !f.buckets[bucket] {
		gcsError(w, http.StatusNotFound, "bucket not found")
		return
	}
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var meta struct {
		Name string `json:"name"`
	}
	part, err := mr.NextPart()
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := json.NewDecoder(part).Decode(&meta); err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	part, err = mr.NextPart()
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	content, err := io.ReadAll(part)
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = meta.Name
	}
	f.objects[bucket+"/"+name] = content
	gcsJSON(w, f.objectResource(bucket, name))
}

func (f *fakeGCS) list(w http.ResponseWriter, bucket, prefix string) {
	items := []map[string]any{}
	for key := range f.objects {
		b, name, _ := strings.Cut(key, "/")
		if b == bucket && strings.HasPrefix(name, prefix) {
			items = append(items, f.objectResource(bucket, name))
		}
	}
	gcsJSON(w, map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) object(w http.ResponseWriter, r *http.Request, bucket, name string) {
	key := bucket + "/" + name
	if _, ok := f.objects[key]; !ok {
		gcsError(w, http.StatusNotFound, "no such object")
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("alt") == "media":
		content := f.objects[key]
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	case r.Method == http.MethodGet:
		gcsJSON(w, f.objectResource(bucket, name))
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		gcsError(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (f *fakeGCS) deny() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = true
}

func newTestGCSStorage(t *testing.T) (*GCSStorage, *fakeGCS) {
	t.Helper()
	fake, srv := newFakeGCS(t)
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)

	s, err := NewGCSStorage(context.Background(), "flock-storage", &GCSConfig{
		ProjectID: "relay-project",
		Endpoint:  srv.URL + "/storage/v1/",
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

func TestGCSStorage_Contract(t *testing.T) {
	s, _ := newTestGCSStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateContainer(ctx))
	require.NoError(t, s.CreateContainer(ctx), "creating an existing bucket is a no-op")

	exists, err := s.Exists(ctx, "alice_k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Get(ctx, "alice_k")
	assert.ErrorIs(t, err, fault.ErrNotFound)

	content := []byte{0xff, 0x00, 'v'}
	require.NoError(t, s.Store(ctx, "alice_k", content, DefaultContentType))

	exists, err = s.Exists(ctx, "alice_k")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Get(ctx, "alice_k")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, s.Store(ctx, "alice_k2", []byte("2"), DefaultContentType))
	require.NoError(t, s.Store(ctx, "bob_k", []byte("b"), DefaultContentType))

	n, err := s.DeleteByPrefix(ctx, "alice_")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exists, err = s.Exists(ctx, "bob_k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGCSStorage_Unavailable(t *testing.T) {
	s, fake := newTestGCSStorage(t)
	ctx := context.Background()
	require.NoError(t, s.CreateContainer(ctx))
	fake.deny()

	_, err := s.Exists(ctx, "alice_k")
	assert.ErrorIs(t, err, fault.ErrStorageUnavailable)

	_, err = s.Get(ctx, "alice_k")
	assert.ErrorIs(t, err, fault.ErrStorageUnavailable)

	assert.ErrorIs(t, s.Store(ctx, "alice_k", []byte("v"), DefaultContentType), fault.ErrStorageUnavailable)
	assert.ErrorIs(t, s.CreateContainer(ctx), fault.ErrStorageUnavailable)
}

func TestGCSStorage_CreateRequiresProject(t *testing.T) {
	_, srv := newFakeGCS(t)
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)

	s, err := NewGCSStorage(context.Background(), "flock-storage", &GCSConfig{Endpoint: srv.URL + "/storage/v1/"}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.CreateContainer(context.Background()), fault.ErrConfiguration)
}
