package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pebble/core"
	"pebble/discovery"
)

type identityResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	deviceID, deviceName := s.core.Identity()
	s.writeJSON(w, http.StatusOK, identityResponse{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Fingerprint: string(s.core.Fingerprint()),
	})
}

type peerResponse struct {
	DeviceID     string    `json:"device_id"`
	DisplayName  string    `json:"display_name"`
	Address      string    `json:"address"`
	TransferPort int       `json:"transfer_port"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Status       string    `json:"status"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers, err := s.core.CurrentPeers()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]peerResponse, 0, len(peers))
	for _, peer := range peers {
		out = append(out, toPeerResponse(peer))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func toPeerResponse(peer discovery.Peer) peerResponse {
	return peerResponse{
		DeviceID:     peer.DeviceID,
		DisplayName:  peer.DisplayName,
		Address:      peer.Address.String(),
		TransferPort: peer.TransferPort,
		LastSeenAt:   peer.LastSeenAt,
		Status:       string(peer.Status),
	}
}

type discoveryStatsResponse struct {
	DroppedMalformed uint64 `json:"dropped_malformed"`
	DroppedBadMAC    uint64 `json:"dropped_bad_mac"`
	DroppedReplayed  uint64 `json:"dropped_replayed"`
	DroppedSelf      uint64 `json:"dropped_self"`
}

func (s *Server) handleDiscoveryStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.core.DiscoveryStats()
	s.writeJSON(w, http.StatusOK, discoveryStatsResponse{
		DroppedMalformed: stats.DroppedMalformed,
		DroppedBadMAC:    stats.DroppedBadMAC,
		DroppedReplayed:  stats.DroppedReplayed,
		DroppedSelf:      stats.DroppedSelf,
	})
}

type fileResponse struct {
	FileID       string `json:"file_id"`
	AbsolutePath string `json:"absolute_path"`
	ContentHash  string `json:"content_hash"`
	SizeBytes    int64  `json:"size_bytes"`
	ModifiedAt   int64  `json:"modified_at"`
	SyncStatus   string `json:"sync_status"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.core.ListFiles(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, file := range files {
		out = append(out, fileResponse{
			FileID:       file.FileID,
			AbsolutePath: file.AbsolutePath,
			ContentHash:  file.ContentHash,
			SizeBytes:    file.SizeBytes,
			ModifiedAt:   file.ModifiedAt,
			SyncStatus:   file.SyncStatus,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChangeEvent(w http.ResponseWriter, r *http.Request) {
	var event core.ChangeEvent
	if err := decodeBody(r, &event); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	record, err := s.core.HandleChangeEvent(event)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if record == nil {
		s.writeJSON(w, http.StatusNoContent, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, fileResponse{
		FileID:       record.FileID,
		AbsolutePath: record.AbsolutePath,
		ContentHash:  record.ContentHash,
		SizeBytes:    record.SizeBytes,
		ModifiedAt:   record.ModifiedAt,
		SyncStatus:   record.SyncStatus,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	progress, err := s.core.SessionProgress(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

// handleWatchSession streams session progress as server-sent events until the
// session settles or the client disconnects.
func (s *Server) handleWatchSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.core.Engine().Session(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("api: response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := sess.Subscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case progress := <-updates:
			raw, err := json.Marshal(progress)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
			if progress.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelSession(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, nil)
}

type syncRequest struct {
	FileID       string `json:"file_id"`
	PeerDeviceID string `json:"peer_device_id"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.FileID == "" || req.PeerDeviceID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file_id and peer_device_id are required"})
		return
	}

	progress, err := s.core.EnqueueSync(req.FileID, req.PeerDeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, progress)
}

type pairingResponse struct {
	Payload string `json:"payload"`
}

func (s *Server) handleCreatePairing(w http.ResponseWriter, _ *http.Request) {
	payload, err := s.core.CreatePairingPayload()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pairingResponse{Payload: payload})
}

type importPairingResponse struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleImportPairing(w http.ResponseWriter, r *http.Request) {
	var req pairingResponse
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	peer, err := s.core.PairWithPeer(req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, importPairingResponse{
		DeviceID:    peer.DeviceID,
		DisplayName: peer.DisplayName,
		Fingerprint: peer.Fingerprint,
	})
}
