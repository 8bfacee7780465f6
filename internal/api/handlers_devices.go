package api

import (
	"net/http"

	"github.com/samber/lo"

	"github.com/org/fleetrotate/pkg/models"
)

// DeviceCreateHandler handles POST /v1/admin/devices. The response carries
// the one-time bootstrap bundle; neither the API token nor the client secret
// is ever served again.
func (s *Server) DeviceCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	bundle, err := s.devices.Create(r.Context(), req.Name)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bundle)
}

// DeviceListHandler handles GET /v1/admin/devices
func (s *Server) DeviceListHandler(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	summaries := lo.Map(devices, func(d *models.Device, _ int) models.DeviceSummary {
		return d.Summary()
	})
	writeJSON(w, http.StatusOK, map[string]any{"devices": summaries})
}

// DeviceGetHandler handles GET /v1/admin/devices/{id}
func (s *Server) DeviceGetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device.Summary())
}

// DeviceDeleteHandler handles DELETE /v1/admin/devices/{id}. Deleting a
// device with a rotation in flight requires force=true.
func (s *Server) DeviceDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := s.devices.Delete(r.Context(), id, force); err != nil {
		respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
