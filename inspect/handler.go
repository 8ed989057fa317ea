// Package inspect serves a read-only JSON view of a running driver.
package inspect

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/nvmedrv"
)

type handler struct {
	d      *nvmedrv.Driver
	log    *logrus.Entry
	router *mux.Router
}

// ControllerView is the body of GET /controller.
type ControllerView struct {
	DeviceID       string                  `json:"device_id"`
	State          string                  `json:"state"`
	Fault          string                  `json:"fault,omitempty"`
	CAP            string                  `json:"cap"`
	MaxQueueDepth  uint32                  `json:"max_queue_depth"`
	DoorbellStride uint8                   `json:"doorbell_stride"`
	Identify       nvmedrv.IdentifySummary `json:"identify"`
}

// FallbackView is the body of GET /fallback.
type FallbackView struct {
	FallbackCPUs uint32               `json:"fallback_cpus"`
	Routes       []nvmedrv.RouteState `json:"routes"`
}

// NewHandler returns the inspection router for d.
func NewHandler(d *nvmedrv.Driver, log *logrus.Entry) http.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &handler{d: d, log: log.WithField("component", "inspect")}

	router := mux.NewRouter()
	router.HandleFunc("/controller", h.controllerHandler).Methods("GET")
	router.HandleFunc("/queues", h.queuesHandler).Methods("GET")
	router.HandleFunc("/namespaces", h.namespacesHandler).Methods("GET")
	router.HandleFunc("/namespaces/{nsid:[0-9]+}", h.namespaceHandler).Methods("GET")
	router.HandleFunc("/fallback", h.fallbackHandler).Methods("GET")
	router.HandleFunc("/saved-state", h.savedStateHandler).Methods("GET")
	h.router = router

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("inspect request")
	h.router.ServeHTTP(w, r)
}

func (h *handler) controllerHandler(w http.ResponseWriter, r *http.Request) {
	caps := h.d.Capabilities()
	view := ControllerView{
		DeviceID:       h.d.DeviceID(),
		State:          h.d.State().String(),
		CAP:            "0x" + strconv.FormatUint(caps.Raw(), 16),
		MaxQueueDepth:  caps.MaxQueueDepth(),
		DoorbellStride: caps.DoorbellStride(),
		Identify:       h.d.Identify(),
	}
	if err := h.d.FaultCause(); err != nil {
		view.Fault = err.Error()
	}
	h.writeJSON(w, view)
}

func (h *handler) queuesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.d.QueueStats())
}

func (h *handler) namespacesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.d.Namespaces())
}

func (h *handler) namespaceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	nsid, err := strconv.ParseUint(vars["nsid"], 10, 32)
	if err != nil || nsid == 0 {
		http.Error(w, "invalid namespace id", http.StatusBadRequest)
		return
	}

	// Served from what the driver has identified; no command is issued.
	for _, info := range h.d.Namespaces() {
		if info.NSID == uint32(nsid) {
			h.writeJSON(w, info)
			return
		}
	}
	http.Error(w, nvmedrv.ErrNamespaceNotFound.Error(), http.StatusNotFound)
}

func (h *handler) fallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, FallbackView{
		FallbackCPUs: h.d.FallbackCPUCount(),
		Routes:       h.d.Routes(),
	})
}

func (h *handler) savedStateHandler(w http.ResponseWriter, r *http.Request) {
	saved, err := h.d.Save(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body, err := saved.MarshalIndent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("encode response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
