package server

import (
	"errors"
	"io"
	"net/http"

	"example.com/hsmgate/internal/common"
)

// handleUpload streams one multipart body into the upload session. The body
// is read in transport-sized segments and each one advances the state
// machine, with control returning here between deliveries, so the firmware
// image is never buffered whole. Backpressure propagates naturally: a chunk
// handoff blocked on the device pauses body reads and, through TCP flow
// control, the client.
//
// The caller (handleRoot) has already matched method POST; the single-flight
// guard lives here so a concurrent POST is rejected instead of corrupting
// the session.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadMu.TryLock() {
		http.Error(w, "an upload is already in progress", http.StatusConflict)
		return
	}
	defer s.uploadMu.Unlock()

	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	buf := make([]byte, s.opts.ReadBufferBytes)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if aerr := s.session.Advance(r.Context(), buf[:n]); aerr != nil {
				// The machine absorbs everything after a failure; stop
				// reading and let Finish render the terminal page.
				break
			}
			s.publishProgress(s.session.Snapshot(), true)
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				common.Logf("upload body read: %v", rerr)
			}
			break
		}
	}

	// No more body data pending: settle the session, then report. The
	// device status is read after Finish so an applied update shows up.
	out := s.session.Finish(r.Context())
	deviceStatus := s.deviceStatus(r)
	s.recordOutcome(out, deviceStatus)
	if out.Failure == nil {
		common.Logf("upload %s: %s after %s in %d chunks",
			common.ShortID(out.SessionID), out.Result, common.FormatBytes(out.FirmwareBytes), out.Chunks)
	}

	s.page.render(w, pageData{
		DeviceStatus: deviceStatus,
		ResultLine:   out.ResultLine(),
		Gateway:      s.gatewayID,
	})
}
