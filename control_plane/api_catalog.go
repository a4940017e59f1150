package main

import (
	"context"
	"net/http"

	"github.com/itskum47/FleetForge/control_plane/catalog"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

func (a *API) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var m store.SoftwareModule
	if err := decode(r, w, &m); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.catalog.CreateModule(r.Context(), tenantID, &m); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleGetModule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.catalog.GetModule(r.Context(), tenantID, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleCreateType(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var t store.DistributionSetType
	if err := decode(r, w, &t); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.catalog.CreateType(r.Context(), tenantID, &t); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetType(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	t, err := a.catalog.GetType(r.Context(), tenantID, r.PathValue("key"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleCreateDistributionSet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var req catalog.DistributionSetRequest
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.CreateDistributionSet(r.Context(), tenantID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (a *API) handleListDistributionSets(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	list, err := a.catalog.List(r.Context(), tenantID, r.URL.Query().Get("include_deleted") == "true")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetDistributionSet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.Get(r.Context(), tenantID, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleDeleteDistributionSet removes an unused set and soft deletes one
// that actions still reference.
func (a *API) handleDeleteDistributionSet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	soft, err := a.catalog.Delete(r.Context(), tenantID, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"soft_deleted": soft})
}

func (a *API) handleAssignModules(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req struct {
		ModuleIDs []int64 `json:"module_ids"`
	}
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.AssignModules(r.Context(), tenantID, id, req.ModuleIDs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (a *API) handleUnassignModule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	moduleID, err := pathID(r, "moduleID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.UnassignModule(r.Context(), tenantID, id, moduleID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (a *API) handleUpdateDistributionSet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req catalog.DistributionSetUpdate
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.UpdateDistributionSet(r.Context(), tenantID, id, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (a *API) handleSetsByTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	sets, err := a.catalog.ListByTag(r.Context(), tenantID, r.PathValue("name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sets)
}

type setTagFunc func(ctx context.Context, tenantID, tagName string, dsIDs []int64) (*streaming.DistributionSetTagAssignmentResult, error)

// handleSetTag serves the assign, unassign and toggle endpoints of a
// distribution set tag.
func (a *API) handleSetTag(apply setTagFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := a.tenant(w, r)
		if !ok {
			return
		}
		var req struct {
			DistributionSetIDs []int64 `json:"distribution_set_ids"`
		}
		if err := decode(r, w, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
		res, err := apply(r.Context(), tenantID, r.PathValue("name"), req.DistributionSetIDs)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type metadataValue struct {
	Value string `json:"value"`
}

func (a *API) handleCreateSetMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var entries map[string]string
	if err := decode(r, w, &entries); err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.CreateSetMetadata(r.Context(), tenantID, id, entries)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds.Metadata)
}

func (a *API) handleUpdateSetMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body metadataValue
	if err := decode(r, w, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	ds, err := a.catalog.UpdateSetMetadata(r.Context(), tenantID, id, r.PathValue("key"), body.Value)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds.Metadata)
}

func (a *API) handleDeleteSetMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.catalog.DeleteSetMetadata(r.Context(), tenantID, id, r.PathValue("key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateModuleMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var entries map[string]string
	if err := decode(r, w, &entries); err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.catalog.CreateModuleMetadata(r.Context(), tenantID, id, entries)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m.Metadata)
}

func (a *API) handleUpdateModuleMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body metadataValue
	if err := decode(r, w, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.catalog.UpdateModuleMetadata(r.Context(), tenantID, id, r.PathValue("key"), body.Value)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Metadata)
}

func (a *API) handleDeleteModuleMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.catalog.DeleteModuleMetadata(r.Context(), tenantID, id, r.PathValue("key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
