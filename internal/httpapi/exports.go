package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"photopipe/internal/api"
	"photopipe/internal/export"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/progress"
	"photopipe/internal/services"
)

const (
	progressWriteWait  = 10 * time.Second
	progressPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	if err := s.decode(r, &req); err != nil {
		s.writeProblem(w, r, err)
		return
	}
	record, err := s.deps.Exports.Create(r.Context(), req)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	exports, err := s.deps.Store.ListExports(r.Context(), project.ID)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"exports": exports})
}

func (s *Server) loadExport(w http.ResponseWriter, r *http.Request) (*jobstore.Export, bool) {
	id := chi.URLParam(r, "exportID")
	record, err := s.deps.Store.GetExport(r.Context(), id)
	if err != nil {
		s.writeProblem(w, r, err)
		return nil, false
	}
	if record == nil {
		s.writeProblem(w, r, services.NewProblem(services.KindNotFound, "export %s not found", id))
		return nil, false
	}
	return record, true
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadExport(w, r)
	if !ok {
		return
	}
	assets, err := s.deps.Store.ExportAssets(r.Context(), record.ID)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	resp := api.ExportResponse{Export: record, Assets: assets}
	if s.deps.Progress != nil {
		if snap, ok := s.deps.Progress.Snapshot(record.ID); ok {
			resp.Progress = &snap
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleDownloadExport redirects to a signed URL or streams the archive.
func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deps.Exports.Download(r.Context(), chi.URLParam(r, "exportID"))
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	if dl.URL != "" {
		http.Redirect(w, r, dl.URL, http.StatusFound)
		return
	}
	file, err := os.Open(dl.Path)
	if err != nil {
		s.writeProblem(w, r, services.Wrap(services.ErrNotFound, "export", "open archive", dl.Path, err))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Filename+`"`)
	if dl.Rebuilt {
		w.Header().Set("X-Export-Rebuilt", "true")
	}
	http.ServeContent(w, r, dl.Filename, info.ModTime(), file)
}

// handleExportProgress streams progress snapshots over a WebSocket until the
// export's snapshot expires or the client goes away. An export that is no
// longer tracked gets one snapshot derived from its record.
func (s *Server) handleExportProgress(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadExport(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	logger := logging.WithContext(services.WithExportID(r.Context(), record.ID), s.logger)
	if s.deps.Progress == nil {
		s.writeFinal(conn, record)
		return
	}

	// The record is checked only after subscribing.
	sub := s.deps.Progress.Subscribe(record.ID)
	defer sub.Close()
	if s.subscribed != nil {
		s.subscribed(record.ID)
	}
	if _, tracked := s.deps.Progress.Snapshot(record.ID); !tracked {
		latest, err := s.deps.Store.GetExport(r.Context(), record.ID)
		if err != nil {
			logger.Warn("reload export for progress stream failed", logging.Error(err))
			latest = record
		}
		if latest != nil && latest.Status.Terminal() {
			s.writeFinal(conn, latest)
			return
		}
	}

	// The read loop only notices the client closing the socket.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(progressPingPeriod)
	defer ping.Stop()
	for {
		select {
		case snap, open := <-sub.C:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "progress complete"),
					time.Now().Add(progressWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Debug("progress client write failed", logging.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(progressWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeFinal(conn *websocket.Conn, record *jobstore.Export) {
	_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
	_ = conn.WriteJSON(snapshotFromRecord(record))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "progress complete"),
		time.Now().Add(progressWriteWait))
}

func snapshotFromRecord(record *jobstore.Export) progress.Snapshot {
	snap := progress.Snapshot{
		ID:         record.ID,
		TotalFiles: record.AssetCount,
		Message:    record.ErrorMessage,
		UpdatedAt:  record.UpdatedAt,
	}
	switch record.Status {
	case jobstore.ExportCompleted:
		snap.Status = progress.StatusCompleted
		snap.Stage = progress.StageDone
		snap.CurrentFile = record.AssetCount
		snap.Percent = 100
	case jobstore.ExportFailed:
		snap.Status = progress.StatusFailed
	case jobstore.ExportProcessing:
		snap.Status = progress.StatusProcessing
	default:
		snap.Status = progress.StatusPending
	}
	return snap
}
