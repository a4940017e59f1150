package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/itskum47/FleetForge/control_plane/deployment"
	"github.com/itskum47/FleetForge/control_plane/store"
)

// Device-facing endpoints. A poll registers unknown devices and returns the
// action the device has to work on; feedback reports progress on it.

type pollResponse struct {
	ControllerID string             `json:"controller_id"`
	UpdateStatus store.UpdateStatus `json:"update_status"`
	Action       *deviceAction      `json:"action,omitempty"`
}

type deviceAction struct {
	ID                int64                  `json:"id"`
	Kind              string                 `json:"kind"` // deployment or cancel
	DistributionSetID int64                  `json:"distribution_set_id"`
	Type              store.ActionType       `json:"action_type"`
	Forced            bool                   `json:"forced"`
	Status            store.ActionStatusCode `json:"status"`
	Modules           []store.SoftwareModule `json:"modules,omitempty"`
}

func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	controllerID := r.PathValue("controllerID")

	t, err := a.targets.RegisterOrTouch(r.Context(), tenantID, controllerID, clientAddress(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := pollResponse{ControllerID: t.ControllerID, UpdateStatus: t.UpdateStatus}

	action, err := a.deployments.CurrentAction(r.Context(), tenantID, controllerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if action != nil {
		da := &deviceAction{
			ID:                action.ID,
			Kind:              "deployment",
			DistributionSetID: action.DistributionSetID,
			Type:              action.Type,
			Forced:            action.IsForced(time.Now()),
			Status:            action.Status,
		}
		if action.IsCanceling() {
			da.Kind = "cancel"
		} else {
			da.Modules, err = a.catalog.Modules(r.Context(), tenantID, action.DistributionSetID)
			if err != nil {
				a.writeError(w, r, err)
				return
			}
		}
		resp.Action = da
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var report deployment.StatusReport
	if err := decode(r, w, &report); err != nil {
		a.writeError(w, r, err)
		return
	}
	report.ActionID = id

	// a device may only report on its own actions
	action, err := a.deployments.FindAction(r.Context(), tenantID, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if action.ControllerID != r.PathValue("controllerID") {
		a.writeError(w, r, fmt.Errorf("action %d of another target: %w", id, store.ErrNotFound))
		return
	}

	action, err = a.deployments.RecordStatus(r.Context(), tenantID, report)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (a *API) handleDeviceAttributes(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var attrs map[string]string
	if err := decode(r, w, &attrs); err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.targets.UpdateAttributes(r.Context(), tenantID, r.PathValue("controllerID"), attrs); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
