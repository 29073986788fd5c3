package hub

import (
	"errors"
	"net/http"

	"kbnet/pkg/protocol"
	"kbnet/pkg/types"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RegisterRoutes attaches the hub endpoints to r. The nodeinfo route is
// left to the caller.
func (h *Hub) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.ServeWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/find/{checksum}", h.HandleFind).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/find/{checksum}/{hint:.*}", h.HandleFind).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/{code}/proxy-download/{checksum}", h.HandleProxyDownload).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{code}/proxy-download/{checksum}/{hint:.*}", h.HandleProxyDownload).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/{code}/share/{id}/{path:.*}", h.HandleShare)
	r.HandleFunc("/{code}/hub/{id}/{path:.*}", h.HandleChildHub)

	r.HandleFunc("/{id}/api/readdir/{subdirectory:.*}", h.HandleReaddir).Methods(http.MethodGet)
	r.HandleFunc("/{id}/download/{filename:.*}", h.HandleDownload).Methods(http.MethodGet, http.MethodHead)
}

func (h *Hub) HandleFind(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := h.FindByChecksum(r.Context(), vars["checksum"], vars["hint"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidChecksum) {
			status = http.StatusBadRequest
		}
		protocol.WriteError(w, status, err.Error())
		return
	}

	resp := types.FindResponse{Success: true, Found: result.Found}
	if result.Found {
		resp.Size = result.Size
		resp.URLs = result.URLs
		resp.Results = result.InternalFinds
	} else if !h.IsTop() {
		resp.AltHubURL = h.hubs.TopHubURL()
	}
	protocol.WriteJSON(w, http.StatusOK, resp)
}

// HandleProxyDownload streams a file by checksum through this hub from the
// first place in the subtree that still holds it.
func (h *Hub) HandleProxyDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.checkCode(w, vars["code"]) {
		return
	}
	checksum, hint := vars["checksum"], vars["hint"]

	result, err := h.FindByChecksum(r.Context(), checksum, hint)
	if err != nil {
		protocol.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, f := range result.InternalFinds {
		if f.ChildHubID == "" {
			if leaf, ok := h.leaves.Get(f.LeafID); ok {
				h.forwardToLeaf(leaf, downloadPath(f.LeafID, f.Path), w, r)
				return
			}
			continue
		}
		if child, ok := h.hubs.Get(f.ChildHubID); ok {
			h.forwardToChildHub(child, proxyDownloadPath(child.NodeID(), checksum, hint), w, r)
			return
		}
	}
	protocol.WriteError(w, http.StatusInternalServerError, "Unable to find file on hub or on shares.")
}

// HandleShare forwards path unchanged to a directly connected leaf.
func (h *Hub) HandleShare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.checkCode(w, vars["code"]) {
		return
	}
	id := types.NodeID(vars["id"])
	leaf, ok := h.leaves.Get(id)
	if !ok {
		protocol.WriteError(w, http.StatusInternalServerError, "Unable to find share with key="+string(id))
		return
	}
	h.forwardToLeaf(leaf, EscapePath(vars["path"]), w, r)
}

// HandleChildHub forwards path unchanged to a directly connected child hub.
func (h *Hub) HandleChildHub(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.checkCode(w, vars["code"]) {
		return
	}
	id := types.NodeID(vars["id"])
	child, ok := h.hubs.Get(id)
	if !ok {
		protocol.WriteError(w, http.StatusInternalServerError, "Unable to find child hub with key="+string(id))
		return
	}
	h.forwardToChildHub(child, EscapePath(vars["path"]), w, r)
}

func (h *Hub) HandleReaddir(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sub := vars["subdirectory"]
	if !types.SafePath(sub) {
		protocol.WriteError(w, http.StatusInternalServerError, "Unsafe path: "+sub)
		return
	}
	id := types.NodeID(vars["id"])
	h.RouteHTTPRequest(id, string(id)+"/api/readdir/"+EscapePath(sub), w, r)
}

func (h *Hub) HandleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	filename := vars["filename"]
	if !types.SafePath(filename) {
		protocol.WriteError(w, http.StatusInternalServerError, "Unsafe path: "+filename)
		return
	}
	id := types.NodeID(vars["id"])
	h.RouteHTTPRequest(id, downloadPath(id, filename), w, r)
}

func (h *Hub) checkCode(w http.ResponseWriter, code string) bool {
	if types.NodeID(code) == h.self.NodeID {
		return true
	}
	h.logger.Debug("Rejected request for another hub", zap.String("code", code))
	protocol.WriteError(w, http.StatusInternalServerError, "Incorrect hub id: "+code)
	return false
}
