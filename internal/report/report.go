// Package report builds and renders the archival record of an upload
// session: a JSON artifact saved by the server and a PDF rendering produced
// on demand.
package report

import (
	"encoding/json"
	"fmt"
	"os"

	"example.com/hsmgate/internal/common"
	"example.com/hsmgate/internal/hsm"
)

// SessionReport is the archival record of one upload session.
type SessionReport struct {
	GatewayID      string         `json:"gateway_id,omitempty"`
	SessionID      string         `json:"session_id"`
	CompletedAt    string         `json:"completed_at,omitempty"`
	Ok             bool           `json:"ok"`
	ResultCode     string         `json:"result_code"`
	ResultText     string         `json:"result_text,omitempty"`
	ResultDetail   string         `json:"result_detail,omitempty"`
	Failure        string         `json:"failure,omitempty"`
	ManifestBytes  int64          `json:"manifest_bytes"`
	ManifestDigest string         `json:"manifest_digest,omitempty"`
	FirmwareBytes  int64          `json:"firmware_bytes"`
	Chunks         int            `json:"chunks"`
	Segments       int            `json:"segments"`
	DeviceStatus   string         `json:"device_status,omitempty"`
	Events         []common.Event `json:"events,omitempty"`
}

func SaveSessionJSON(rep SessionReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadSessionJSON(path string) (SessionReport, error) {
	var rep SessionReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}

// FromEvents reconstructs a report from journal events, for rendering
// sessions whose JSON artifact is gone or was never written.
func FromEvents(sessionID string, events []common.Event) (SessionReport, error) {
	rep := SessionReport{SessionID: sessionID, ResultCode: hsm.CodeNone.Hex()}
	found := false
	for _, ev := range events {
		if ev.Session != sessionID {
			continue
		}
		found = true
		rep.Events = append(rep.Events, ev)
		switch ev.Kind {
		case "result":
			rep.ResultCode = ev.Code
			rep.ResultDetail = ev.Detail
			rep.FirmwareBytes = ev.Bytes
			rep.CompletedAt = ev.Ts.Format("2006-01-02 15:04:05 MST")
		case "failure":
			rep.Failure = ev.Detail
		case "consumer":
			if ev.Detail == "started" {
				rep.ManifestBytes = ev.Bytes
			}
		}
	}
	if !found {
		return rep, fmt.Errorf("session %s not found in journal", sessionID)
	}
	if code, err := hsm.ParseCode(rep.ResultCode); err == nil {
		rep.ResultText = code.Describe()
		rep.Ok = code == hsm.CodeOK
	}
	return rep, nil
}
