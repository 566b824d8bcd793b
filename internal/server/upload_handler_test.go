package server

import (
	"bytes"
	"crypto/sha256"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/hsmgate/internal/hsm"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, *hsm.Simulator) {
	t.Helper()
	sim, err := hsm.NewSimulator(hsm.SimulatorOptions{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSimulator: %v", err)
	}
	if opts.Updater == nil {
		opts.Updater = sim
	}
	if opts.StorageDir == "" {
		opts.StorageDir = t.TempDir()
	}
	if opts.GatewayID == "" {
		opts.GatewayID = "test-gateway"
	}
	if opts.ResultWait == 0 {
		opts.ResultWait = 5 * time.Second
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)
	return srv, ts, sim
}

func testFirmware(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*73 + 11)
	}
	return img
}

func signedManifest(t *testing.T, image []byte, version hsm.FWVersion) []byte {
	t.Helper()
	env := hsm.Envelope{ImageLen: uint32(len(image)), Version: version}
	sum := sha256.Sum256(image)
	copy(env.Digest[:], sum[:])
	return append(env.Marshal(), []byte("build=test\n")...)
}

func uploadBody(t *testing.T, manifest, image []byte) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("manifest", "fw.mfst")
	if err != nil {
		t.Fatalf("CreateFormFile manifest: %v", err)
	}
	part.Write(manifest)
	part, err = mw.CreateFormFile("data", "fw.img")
	if err != nil {
		t.Fatalf("CreateFormFile data: %v", err)
	}
	part.Write(image)
	mw.Close()
	return mw.FormDataContentType(), buf.Bytes()
}

func postUpload(t *testing.T, url string, contentType string, body []byte) (int, string) {
	t.Helper()
	resp, err := http.Post(url+"/", contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /: %v", err)
	}
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, string(page)
}

func TestUploadAppliesFirmware(t *testing.T) {
	_, ts, sim := newTestServer(t, Options{})

	image := testFirmware(2500)
	manifest := signedManifest(t, image, hsm.FWVersion{Major: 1, Minor: 0})
	contentType, body := uploadBody(t, manifest, image)

	status, page := postUpload(t, ts.URL, contentType, body)
	if status != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", status)
	}
	if !strings.Contains(page, "Update result 0x0000: update applied") {
		t.Fatalf("page missing applied result line:\n%s", page)
	}

	version, ok, err := sim.Store().InstalledVersion()
	if err != nil || !ok {
		t.Fatalf("InstalledVersion = %v, %v, %v", version, ok, err)
	}
	if version != (hsm.FWVersion{Major: 1, Minor: 0}) {
		t.Fatalf("installed %s, want 1.0", version)
	}
}

func TestUploadFailureKeepsPageContract(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	// The simulator rejects this manifest before pulling: no envelope magic.
	contentType, body := uploadBody(t, []byte("not an envelope"), testFirmware(100))
	status, page := postUpload(t, ts.URL, contentType, body)
	if status != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", status)
	}
	if !strings.Contains(page, "Update result 0x0101") {
		t.Fatalf("page missing manifest rejection line:\n%s", page)
	}
}

func TestGetIdempotentBetweenUploads(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	fetch := func() string {
		t.Helper()
		resp, err := http.Get(ts.URL + "/")
		if err != nil {
			t.Fatalf("GET /: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET status = %d, want 200", resp.StatusCode)
		}
		page, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read page: %v", err)
		}
		return string(page)
	}

	before := fetch()
	if before != fetch() {
		t.Fatal("repeated GETs differ before any upload")
	}
	if !strings.Contains(before, "Update result 0xFFFF: no update performed") {
		t.Fatalf("default page missing placeholder result:\n%s", before)
	}

	image := testFirmware(600)
	contentType, body := uploadBody(t, signedManifest(t, image, hsm.FWVersion{Major: 1, Minor: 1}), image)
	if status, _ := postUpload(t, ts.URL, contentType, body); status != http.StatusOK {
		t.Fatalf("upload status = %d", status)
	}

	after := fetch()
	if after != fetch() {
		t.Fatal("repeated GETs differ after an upload")
	}
	if !strings.Contains(after, "Update result 0x0000") {
		t.Fatalf("page does not carry the last result:\n%s", after)
	}
}

func TestUnsupportedMethodFixedBody(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req, err := http.NewRequest(method, ts.URL+"/", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s /: %v", method, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s status = %d, want 405", method, resp.StatusCode)
		}
		if string(body) != unsupportedBody {
			t.Fatalf("%s body = %q, want the fixed unsupported page", method, body)
		}
	}
}

func TestConcurrentUploadRejected(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	// First upload stalls mid-body, holding the session.
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/", "multipart/form-data; boundary=gate", pr)
		if err != nil {
			done <- err
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		done <- nil
	}()
	if _, err := pw.Write([]byte("--gate\r\nContent-Disposition: form-data; ")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	waitForActiveUpload(t, ts.URL)

	image := testFirmware(64)
	contentType, body := uploadBody(t, signedManifest(t, image, hsm.FWVersion{Major: 9, Minor: 9}), image)
	resp, err := http.Post(ts.URL+"/", contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second POST status = %d, want 409", resp.StatusCode)
	}

	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("first POST: %v", err)
	}
}

func waitForActiveUpload(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := fetchStatus(t, url)
		if st.Upload.Active {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("first upload never became active")
}

func TestOverflowResetObservable(t *testing.T) {
	_, ts, sim := newTestServer(t, Options{})

	oversized := bytes.Repeat([]byte("a"), 4097)
	contentType, body := uploadBody(t, oversized, testFirmware(64))
	status, page := postUpload(t, ts.URL, contentType, body)
	if status != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", status)
	}
	// The page keeps the ambiguous default line; the journal records the
	// overflow distinctly.
	if !strings.Contains(page, "Update result 0xFFFF") {
		t.Fatalf("page missing default result line:\n%s", page)
	}

	image := testFirmware(700)
	contentType, body = uploadBody(t, signedManifest(t, image, hsm.FWVersion{Major: 2, Minor: 0}), image)
	status, page = postUpload(t, ts.URL, contentType, body)
	if status != http.StatusOK || !strings.Contains(page, "Update result 0x0000") {
		t.Fatalf("upload after overflow: status %d page:\n%s", status, page)
	}
	if _, ok, _ := sim.Store().InstalledVersion(); !ok {
		t.Fatal("firmware not installed after the session reset")
	}

	sessions := fetchSessions(t, ts.URL)
	if len(sessions) != 2 {
		t.Fatalf("recorded %d sessions, want 2", len(sessions))
	}
	if sessions[0].Ok || !strings.Contains(sessions[0].Failure, "capacity exceeded") {
		t.Fatalf("first summary = %+v, want overflow failure", sessions[0])
	}
	if !sessions[1].Ok {
		t.Fatalf("second summary = %+v, want ok", sessions[1])
	}
}
