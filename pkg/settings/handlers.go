package settings

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
)

// Handlers serves the super-admin settings endpoints. Mount them behind
// the super-admin guard.
type Handlers struct {
	cache    *Cache
	recorder *audit.Recorder
	logger   *logrus.Logger
}

// NewHandlers creates settings handlers
func NewHandlers(cache *Cache, recorder *audit.Recorder, logger *logrus.Logger) *Handlers {
	return &Handlers{cache: cache, recorder: recorder, logger: logger}
}

// RegisterRoutes registers the settings routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/settings", h.list).Methods("GET")
	router.HandleFunc("/settings/{key}", h.get).Methods("GET")
	router.HandleFunc("/settings/{key}", h.put).Methods("PUT")
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.cache.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.logger.WithError(err).Error("failed to list settings")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"settings": items})
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s, err := h.cache.Get(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "Setting not found.")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("key", key).Error("failed to get setting")
		httputil.WriteInternalError(w)
		return
	}
	typed, _ := s.Typed()
	httputil.WriteSuccess(w, httputil.Envelope{"setting": s, "typed_value": typed})
}

type putRequest struct {
	Value       string `json:"value"`
	Type        Type   `json:"type" validate:"omitempty,oneof=string int bool json"`
	Category    string `json:"category" validate:"max=50"`
	Description string `json:"description"`
	// Version, when set, must match the stored version
	Version int64 `json:"version" validate:"gte=0"`
}

// put handles PUT /settings/{key}. Omitted type, category and description
// keep their stored values.
func (h *Handlers) put(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req putRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	old, err := h.cache.store.Get(r.Context(), key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.WithError(err).WithField("key", key).Error("failed to load setting")
		httputil.WriteInternalError(w)
		return
	}

	s := &Setting{Key: key, Value: req.Value, Type: TypeString, Category: "general"}
	if old != nil {
		s.Type, s.Category, s.Description = old.Type, old.Category, old.Description
	}
	if req.Type != "" {
		s.Type = req.Type
	}
	if req.Category != "" {
		s.Category = req.Category
	}
	if req.Description != "" {
		s.Description = req.Description
	}
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		id := p.ID
		s.UpdatedBy = &id
	}

	err = h.cache.Set(r.Context(), s, req.Version)
	switch {
	case errors.Is(err, ErrInvalidValue):
		httputil.WriteValidationErrors(w, map[string]string{"value": err.Error()})
		return
	case errors.Is(err, ErrVersionConflict):
		httputil.WriteErrorMessage(w, http.StatusConflict, "The setting was changed by someone else. Reload and try again.")
		return
	case err != nil:
		h.logger.WithError(err).WithField("key", key).Error("failed to update setting")
		httputil.WriteInternalError(w)
		return
	}

	entry := audit.NewEntry(r, audit.ActionSettingsUpdated)
	entry.SchoolID = nil
	entry.EntityType = "platform_setting"
	entry.EntityID = key
	if old != nil {
		entry.OldValues = map[string]interface{}{"value": old.Value, "version": old.Version}
	}
	entry.NewValues = map[string]interface{}{"value": s.Value, "version": s.Version}
	entry.Description = "Platform setting " + key + " updated"
	h.recorder.Record(r.Context(), entry)

	httputil.WriteSuccessMessage(w, "Setting updated successfully", s)
}
