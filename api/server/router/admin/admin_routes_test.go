package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imgd/imgd/api/server"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/errdefs"
)

type fakeBackend struct {
	createdPath string
	submitted   []string
	purged      []string
	flushed     bool
	reloaded    bool
	version     int64
	task        *tasks.Task
	err         error
}

func (f *fakeBackend) CreateFolder(_ context.Context, path string, _ *datastore.User) (string, error) {
	f.createdPath = path
	return "a/b", f.err
}

func (f *fakeBackend) DeleteFolder(_ context.Context, _ string, _ *datastore.User) (*tasks.Task, error) {
	return f.task, f.err
}

func (f *fakeBackend) MoveFolder(_ context.Context, _, _ string, _ *datastore.User) (*tasks.Task, error) {
	return f.task, f.err
}

func (f *fakeBackend) SubmitTask(_ context.Context, _, function string, _ json.RawMessage, _ tasks.Priority, _ *datastore.User) (*tasks.Task, error) {
	f.submitted = append(f.submitted, function)
	return f.task, f.err
}

func (f *fakeBackend) GetTask(_ context.Context, id string, _ *datastore.User) (*tasks.Task, error) {
	if f.task == nil || f.task.ID != id {
		return nil, errdefs.NotFound(errors.Errorf("no task with id %q", id))
	}
	return f.task, nil
}

func (f *fakeBackend) WaitTask(_ context.Context, id string, _ time.Duration, _ *datastore.User) (*tasks.Task, error) {
	return f.GetTask(context.Background(), id, nil)
}

func (f *fakeBackend) PurgeTask(_ context.Context, id string, _ *datastore.User) error {
	f.purged = append(f.purged, id)
	return f.err
}

func (f *fakeBackend) ListTasks(_ context.Context, _ tasks.Status, _ *datastore.User) ([]*tasks.Task, error) {
	if f.task == nil {
		return nil, nil
	}
	return []*tasks.Task{f.task}, nil
}

func (f *fakeBackend) TemplateNames(_ context.Context, _ *datastore.User) ([]string, error) {
	return []string{"SmallJpeg"}, f.err
}

func (f *fakeBackend) ReloadTemplates(_ context.Context, _ *datastore.User) error {
	f.reloaded = true
	return f.err
}

func (f *fakeBackend) FlushCache(_ context.Context, _ *datastore.User) error {
	f.flushed = true
	return f.err
}

func (f *fakeBackend) BumpPermissions(_ context.Context, _ *datastore.User) (int64, error) {
	f.version++
	return f.version, f.err
}

func newTestServer(backend Backend) *httptest.Server {
	srv := server.New(nil)
	srv.InitRouter(NewRouter(backend))
	return httptest.NewServer(srv.CreateMux())
}

func do(t *testing.T, ts *httptest.Server, method, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	assert.NilError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	assert.NilError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPostFolderReturnsNormalisedPath(t *testing.T) {
	backend := &fakeBackend{}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodPost, "/api/admin/filesystem/folders/",
		"application/x-www-form-urlencoded", "path=/a//b/")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	assert.Check(t, is.Equal(backend.createdPath, "/a//b/"))

	b, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	var out map[string]string
	assert.NilError(t, json.Unmarshal(b, &out))
	assert.Check(t, is.Equal(out["path"], "/a/b"))
}

func TestPostTaskDuplicateIs409WithExistingTask(t *testing.T) {
	existing := &tasks.Task{ID: "task-1", Function: "move_folder", Status: tasks.StatusPending}
	backend := &fakeBackend{task: existing, err: errdefs.Conflict(errors.New("already submitted"))}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodPost, "/api/admin/tasks", "application/json",
		`{"name":"mv","function":"move_folder","params":{"from":"a","to":"b"}}`)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusConflict))

	var out tasks.Task
	b, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.NilError(t, json.Unmarshal(b, &out))
	assert.Check(t, is.Equal(out.ID, "task-1"))
}

func TestPostTaskAccepted(t *testing.T) {
	backend := &fakeBackend{task: &tasks.Task{ID: "task-2", Status: tasks.StatusPending}}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodPost, "/api/admin/tasks", "application/json",
		`{"name":"n","function":"cleanup_temp","priority":"low"}`)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusAccepted))
	assert.Check(t, is.DeepEqual(backend.submitted, []string{"cleanup_temp"}))
}

func TestPostTaskBadPriority(t *testing.T) {
	ts := newTestServer(&fakeBackend{})
	defer ts.Close()

	resp := do(t, ts, http.MethodPost, "/api/admin/tasks", "application/json",
		`{"function":"cleanup_temp","priority":"urgent"}`)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusBadRequest))
}

func TestGetTaskAndWait(t *testing.T) {
	backend := &fakeBackend{task: &tasks.Task{ID: "task-3", Status: tasks.StatusComplete}}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodGet, "/api/admin/tasks/task-3", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))

	resp = do(t, ts, http.MethodGet, "/api/admin/tasks/task-3/wait?timeout=1", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))

	resp = do(t, ts, http.MethodGet, "/api/admin/tasks/no-such-task", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNotFound))
}

func TestPurgeTask(t *testing.T) {
	backend := &fakeBackend{}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodDelete, "/api/admin/tasks/task-4", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNoContent))
	assert.Check(t, is.DeepEqual(backend.purged, []string{"task-4"}))
}

func TestMaintenanceEndpoints(t *testing.T) {
	backend := &fakeBackend{}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodGet, "/api/admin/templates", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))

	resp = do(t, ts, http.MethodPost, "/api/admin/templates/reload", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNoContent))
	assert.Check(t, backend.reloaded)

	resp = do(t, ts, http.MethodDelete, "/api/admin/cache", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNoContent))
	assert.Check(t, backend.flushed)

	resp = do(t, ts, http.MethodPost, "/api/admin/permissions/reload", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
}

func TestForbiddenBackendErrorMapsTo403(t *testing.T) {
	backend := &fakeBackend{err: errdefs.Forbidden(errors.New("admin_files flag required"))}
	ts := newTestServer(backend)
	defer ts.Close()

	resp := do(t, ts, http.MethodDelete, "/api/admin/cache", "", "")
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusForbidden))
}
