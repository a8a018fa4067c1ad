package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/imgd/imgd/api/server"
	"github.com/imgd/imgd/api/server/httputils"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/errdefs"
)

func (ar *adminRouter) postFolder(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	path, err := ar.backend.CreateFolder(r.Context(), r.FormValue("path"), server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, map[string]string{"path": "/" + path})
}

func (ar *adminRouter) deleteFolder(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	task, err := ar.backend.DeleteFolder(r.Context(), r.FormValue("path"), server.UserFromContext(r.Context()))
	if err != nil && !errdefs.IsConflict(err) {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, task)
}

func (ar *adminRouter) moveFolder(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	task, err := ar.backend.MoveFolder(r.Context(), r.FormValue("from"), r.FormValue("to"), server.UserFromContext(r.Context()))
	if err != nil && !errdefs.IsConflict(err) {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, task)
}

type submitTaskRequest struct {
	Name     string          `json:"name"`
	Function string          `json:"function"`
	Params   json.RawMessage `json:"params"`
	Priority string          `json:"priority"`
}

func parsePriority(v string) (tasks.Priority, error) {
	switch v {
	case "high":
		return tasks.PriorityHigh, nil
	case "", "normal":
		return tasks.PriorityNormal, nil
	case "low":
		return tasks.PriorityLow, nil
	default:
		return 0, errdefs.InvalidParameter(errors.Errorf("unknown task priority %q", v))
	}
}

func (ar *adminRouter) postTask(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	var req submitTaskRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	pri, err := parsePriority(req.Priority)
	if err != nil {
		return err
	}
	task, err := ar.backend.SubmitTask(r.Context(), req.Name, req.Function, req.Params, pri, server.UserFromContext(r.Context()))
	if err != nil {
		if errdefs.IsConflict(err) && task != nil {
			// duplicate submission: report the existing task so the
			// caller can track it
			return httputils.WriteJSON(w, http.StatusConflict, task)
		}
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, task)
}

func (ar *adminRouter) listTasks(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	status := tasks.Status(r.FormValue("status"))
	list, err := ar.backend.ListTasks(r.Context(), status, server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, list)
}

func (ar *adminRouter) getTask(w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	task, err := ar.backend.GetTask(r.Context(), vars["id"], server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, task)
}

func (ar *adminRouter) waitTask(w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	timeout := 30 * time.Second
	if secs := httputils.IntValueOrZero(r, "timeout"); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	task, err := ar.backend.WaitTask(r.Context(), vars["id"], timeout, server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, task)
}

func (ar *adminRouter) purgeTask(w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := ar.backend.PurgeTask(r.Context(), vars["id"], server.UserFromContext(r.Context())); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (ar *adminRouter) getTemplates(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	names, err := ar.backend.TemplateNames(r.Context(), server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, map[string][]string{"templates": names})
}

func (ar *adminRouter) reloadTemplates(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := ar.backend.ReloadTemplates(r.Context(), server.UserFromContext(r.Context())); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (ar *adminRouter) flushCache(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	if err := ar.backend.FlushCache(r.Context(), server.UserFromContext(r.Context())); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (ar *adminRouter) bumpPermissions(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	version, err := ar.backend.BumpPermissions(r.Context(), server.UserFromContext(r.Context()))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, map[string]int64{"version": version})
}
