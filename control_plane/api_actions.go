package main

import (
	"context"
	"net/http"

	"github.com/itskum47/FleetForge/control_plane/deployment"
	"github.com/itskum47/FleetForge/control_plane/store"
)

// handleAssign rolls the distribution set in the path out to the listed
// targets. Retries with the same X-Idempotency-Key get the first answer.
func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req deployment.AssignmentRequest
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.DistributionSetID = id

	res, err := a.deployments.Assign(r.Context(), tenantID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetAction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	action, err := a.deployments.FindAction(r.Context(), tenantID, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// handleActionHistory returns the status history, oldest first unless
// ?order=desc.
func (a *API) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.deployments.FindAction(r.Context(), tenantID, id); err != nil {
		a.writeError(w, r, err)
		return
	}
	history, err := a.deployments.FindActionStatusHistory(r.Context(), tenantID, id, r.URL.Query().Get("order") == "desc")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type actionOp func(ctx context.Context, tenantID string, actionID int64) (*store.Action, error)

func (a *API) actionCommand(w http.ResponseWriter, r *http.Request, op actionOp) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	action, err := op(r.Context(), tenantID, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.actionCommand(w, r, a.deployments.Cancel)
}

func (a *API) handleForceQuit(w http.ResponseWriter, r *http.Request) {
	a.actionCommand(w, r, a.deployments.ForceQuit)
}

func (a *API) handleForce(w http.ResponseWriter, r *http.Request) {
	a.actionCommand(w, r, a.deployments.ForceTargetAction)
}
