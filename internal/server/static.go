package server

import (
	"bytes"
	"html/template"
	"net/http"

	"example.com/hsmgate/internal/hsm"
	"example.com/hsmgate/internal/upload"
	ui "example.com/hsmgate/web/ui"
)

// unsupportedBody is the fixed response for request methods the gateway
// does not serve, mirroring the device's canned "unsupported request" page.
const unsupportedBody = "<!DOCTYPE html><html><body><h1>Unsupported request</h1></body></html>\n"

// statusPage renders the embedded page shell with the device status line
// and the last update result. Rendering is deterministic: between uploads,
// repeated GETs produce byte-identical bodies.
type statusPage struct {
	tmpl *template.Template
}

type pageData struct {
	DeviceStatus string
	ResultLine   string
	Gateway      string
}

func newStatusPage() (*statusPage, error) {
	tmpl, err := template.ParseFS(ui.Files, "index.html")
	if err != nil {
		return nil, err
	}
	return &statusPage{tmpl: tmpl}, nil
}

func (p *statusPage) render(w http.ResponseWriter, data pageData) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		http.Error(w, "render status page: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleRoot serves the device-facing surface: GET renders the status page,
// POST streams an upload, anything else gets the fixed unsupported body.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.page.render(w, pageData{
			DeviceStatus: s.deviceStatus(r),
			ResultLine:   s.progress.Load().LastResult,
			Gateway:      s.gatewayID,
		})
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(unsupportedBody))
	}
}

var defaultResultLine = upload.Outcome{Result: hsm.Result{Code: hsm.CodeNone}}.ResultLine()
