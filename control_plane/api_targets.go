package main

import (
	"net/http"

	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/targets"
)

func (a *API) handleCreateTargets(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var reqs []targets.CreateTarget
	if err := decode(r, w, &reqs); err != nil {
		a.writeError(w, r, err)
		return
	}
	created, err := a.targets.CreateMany(r.Context(), tenantID, reqs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListTargets(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	list := a.targets.List
	if r.URL.Query().Get("untagged") == "true" {
		list = a.targets.ListUntagged
	}
	found, err := list(r.Context(), tenantID, queryInt(r, "offset"), queryInt(r, "limit"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *API) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	t, err := a.targets.Get(r.Context(), tenantID, r.PathValue("controllerID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	n, err := a.targets.Delete(r.Context(), tenantID, r.PathValue("controllerID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if n == 0 {
		a.writeError(w, r, store.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUpdateAttributes(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var attrs map[string]string
	if err := decode(r, w, &attrs); err != nil {
		a.writeError(w, r, err)
		return
	}
	t, err := a.targets.UpdateAttributes(r.Context(), tenantID, r.PathValue("controllerID"), attrs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTargetActions lists every action of the target. With
// ?with_status_count=true each action carries its history length.
func (a *API) handleTargetActions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	controllerID := r.PathValue("controllerID")
	if _, err := a.targets.Get(r.Context(), tenantID, controllerID); err != nil {
		a.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("with_status_count") == "true" {
		list, err := a.deployments.FindActionsWithStatusCount(r.Context(), tenantID, controllerID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	list, err := a.deployments.FindActionsByTarget(r.Context(), tenantID, controllerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleActiveActions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	list, err := a.deployments.FindActiveActionsByTarget(r.Context(), tenantID, r.PathValue("controllerID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleUpdateStatusCounts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	counts, err := a.deployments.CountTargetsByUpdateStatus(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var tag store.Tag
	if err := decode(r, w, &tag); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.targets.CreateTag(r.Context(), tenantID, &tag); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (a *API) handleListTags(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	tags, err := a.targets.ListTags(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (a *API) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var tag store.Tag
	if err := decode(r, w, &tag); err != nil {
		a.writeError(w, r, err)
		return
	}
	tag.Name = r.PathValue("name")
	if err := a.targets.UpdateTag(r.Context(), tenantID, &tag); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (a *API) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	if err := a.targets.DeleteTag(r.Context(), tenantID, r.PathValue("name")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleToggleTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var req struct {
		ControllerIDs []string `json:"controller_ids"`
	}
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.targets.ToggleTag(r.Context(), tenantID, r.PathValue("name"), req.ControllerIDs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
