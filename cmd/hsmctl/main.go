package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/hsmgate/internal/common"
	"example.com/hsmgate/internal/hsm"
	"example.com/hsmgate/internal/report"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const defaultServer = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "upload":
		uploadCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "codes":
		codesCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`hsmctl %s (built %s) <command> [options]

Commands:
  upload    --image <firmware.img> (--manifest <file.mfst> | --fw-version <major.minor>) [--server <url>] [--progress] [--metrics]
  manifest  --image <firmware.img> --fw-version <major.minor> [--out <file.mfst>] [--meta <k=v[,k=v...]>]
  status    [--server <url>] [--sessions] [--json]
  report    --session <id> [--server <url> | --journal <journal.jsonl>] [--pdf <file>] [--json-out <file>]
  codes     [--table <codes.json>]
`, version, buildDate)
}

// The JSON views mirror the daemon's API responses; hsmctl speaks the wire
// format rather than importing server types.
type uploadView struct {
	Active        bool   `json:"active"`
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	ManifestBytes int64  `json:"manifest_bytes"`
	FirmwareBytes int64  `json:"firmware_bytes"`
	Chunks        int    `json:"chunks"`
	Segments      int    `json:"segments"`
	LastResult    string `json:"last_result"`
}

type statusView struct {
	Gateway  string     `json:"gateway"`
	Device   string     `json:"device"`
	Upload   uploadView `json:"upload"`
	Sessions int        `json:"sessions"`
	Totals   struct {
		Bytes    int64 `json:"bytes"`
		Segments int64 `json:"segments"`
		Chunks   int64 `json:"chunks"`
		Resets   int64 `json:"resets"`
	} `json:"totals"`
}

type sessionView struct {
	SessionID     string `json:"session_id"`
	CompletedAt   string `json:"completed_at"`
	Ok            bool   `json:"ok"`
	ResultCode    string `json:"result_code"`
	ResultText    string `json:"result_text"`
	Failure       string `json:"failure"`
	FirmwareBytes int64  `json:"firmware_bytes"`
	Chunks        int    `json:"chunks"`
}

func uploadCmd(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	server := fs.String("server", defaultServer, "gateway base URL")
	image := fs.String("image", "", "firmware image file")
	manifestPath := fs.String("manifest", "", "manifest file to send")
	fwVersion := fs.String("fw-version", "", "build an envelope manifest for this version instead")
	meta := fs.String("meta", "", "metadata appended to a built manifest (k=v, comma separated)")
	progressFlag := fs.Bool("progress", false, "display transfer progress updates")
	metricsFlag := fs.Bool("metrics", false, "print transfer throughput metrics")
	timeout := fs.Duration("timeout", 0, "request timeout (0 waits for the device)")
	fs.Parse(args)

	if *image == "" {
		fmt.Println("required: --image")
		os.Exit(1)
	}
	if *manifestPath != "" && *fwVersion != "" {
		fmt.Println("--manifest and --fw-version cannot be used together")
		os.Exit(1)
	}

	var manifest []byte
	manifestName := "firmware.mfst"
	switch {
	case *manifestPath != "":
		b, err := os.ReadFile(*manifestPath)
		if err != nil {
			fmt.Println("read manifest:", err)
			os.Exit(1)
		}
		manifest = b
		manifestName = filepath.Base(*manifestPath)
	case *fwVersion != "":
		m, _, err := buildManifest(*image, *fwVersion, *meta)
		if err != nil {
			fmt.Println("build manifest:", err)
			os.Exit(1)
		}
		manifest = m
	default:
		fmt.Println("required: --manifest or --fw-version")
		os.Exit(1)
	}

	f, err := os.Open(*image)
	if err != nil {
		fmt.Println("open image:", err)
		os.Exit(1)
	}
	defer f.Close()

	var metrics *common.Metrics
	var reader io.Reader = f
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		if info, err := f.Stat(); err == nil {
			metrics.SetTotalBytes(info.Size())
		}
		reader = &countingReader{r: f, metrics: metrics}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadBody(mw, manifest, manifestName, filepath.Base(*image), reader))
	}()

	if metrics != nil {
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post(strings.TrimRight(*server, "/")+"/", mw.FormDataContentType(), pr)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("upload:", err)
		os.Exit(1)
	}
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		fmt.Println("read response:", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("gateway answered %s\n", resp.Status)
		if body := strings.TrimSpace(string(page)); body != "" {
			fmt.Println(body)
		}
		os.Exit(1)
	}

	line, ok := extractResultLine(string(page))
	if !ok {
		fmt.Println("gateway response carries no result line")
		os.Exit(1)
	}
	fmt.Println(line)
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Printf("Metrics: duration=%s sent=%s throughput=%.2f MB/s\n",
			snap.Duration.Round(10*time.Millisecond),
			common.FormatBytes(snap.Bytes),
			snap.ThroughputBytesPerSecond()/1_000_000,
		)
	}
	code, err := resultCode(line)
	if err != nil {
		fmt.Println("parse result:", err)
		os.Exit(1)
	}
	if code != hsm.CodeOK {
		os.Exit(1)
	}
}

type countingReader struct {
	r       io.Reader
	metrics *common.Metrics
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.metrics != nil {
		c.metrics.AddSegment(int64(n))
	}
	return n, err
}

func writeUploadBody(mw *multipart.Writer, manifest []byte, manifestName, imageName string, image io.Reader) error {
	part, err := mw.CreateFormFile("manifest", manifestName)
	if err != nil {
		return err
	}
	if _, err := part.Write(manifest); err != nil {
		return err
	}
	part, err = mw.CreateFormFile("data", imageName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, image); err != nil {
		return err
	}
	return mw.Close()
}

const resultPrefix = "Update result "

// extractResultLine pulls the fixed result line out of the response page,
// dropping whatever markup surrounds it.
func extractResultLine(page string) (string, bool) {
	idx := strings.Index(page, resultPrefix)
	if idx < 0 {
		return "", false
	}
	rest := page[idx:]
	if end := strings.IndexAny(rest, "<\r\n"); end >= 0 {
		rest = rest[:end]
	}
	line := strings.TrimSpace(rest)
	return line, line != ""
}

func resultCode(line string) (hsm.Code, error) {
	rest := strings.TrimPrefix(line, resultPrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return hsm.ParseCode(strings.TrimSpace(rest))
}

// buildManifest assembles an envelope manifest for a local image file:
// the fixed header plus one metadata line per k=v pair.
func buildManifest(imagePath, fwVersion, meta string) ([]byte, hsm.Envelope, error) {
	v, err := hsm.ParseFWVersion(fwVersion)
	if err != nil {
		return nil, hsm.Envelope{}, err
	}
	digest, size, err := common.Sha256OfFile(imagePath)
	if err != nil {
		return nil, hsm.Envelope{}, err
	}
	if size > math.MaxUint32 {
		return nil, hsm.Envelope{}, fmt.Errorf("image %s exceeds the envelope's 4 GiB length field", imagePath)
	}
	env := hsm.Envelope{ImageLen: uint32(size), Version: v}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return nil, hsm.Envelope{}, err
	}
	copy(env.Digest[:], raw)

	out := env.Marshal()
	for _, kv := range strings.Split(meta, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		out = append(out, kv...)
		out = append(out, '\n')
	}
	return out, env, nil
}

func defaultManifestPath(image string) string {
	ext := filepath.Ext(image)
	if ext != "" {
		return image[:len(image)-len(ext)] + ".mfst"
	}
	return image + ".mfst"
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	image := fs.String("image", "", "firmware image file")
	fwVersion := fs.String("fw-version", "", "firmware version (major.minor)")
	out := fs.String("out", "", "output manifest path (defaults to the image path with .mfst)")
	meta := fs.String("meta", "", "metadata lines (k=v, comma separated)")
	fs.Parse(args)

	if *image == "" || *fwVersion == "" {
		fmt.Println("required: --image, --fw-version")
		os.Exit(1)
	}
	manifest, env, err := buildManifest(*image, *fwVersion, *meta)
	if err != nil {
		fmt.Println("build manifest:", err)
		os.Exit(1)
	}
	outPath := *out
	if outPath == "" {
		outPath = defaultManifestPath(*image)
	}
	if err := os.WriteFile(outPath, manifest, 0644); err != nil {
		fmt.Println("write manifest:", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (version %s, image %s, sha256 %s)\n",
		outPath, env.Version, common.FormatBytes(int64(env.ImageLen)), hex.EncodeToString(env.Digest[:]))
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", defaultServer, "gateway base URL")
	showSessions := fs.Bool("sessions", false, "list recorded sessions instead")
	asJSON := fs.Bool("json", false, "print the raw JSON response")
	fs.Parse(args)

	base := strings.TrimRight(*server, "/")
	if *showSessions {
		body := fetchAPI(base + "/api/sessions")
		if *asJSON {
			os.Stdout.Write(body)
			return
		}
		var sessions []sessionView
		if err := json.Unmarshal(body, &sessions); err != nil {
			fmt.Println("decode sessions:", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCOMPLETED\tRESULT\tAPPLIED\tFIRMWARE\tCHUNKS")
		for _, s := range sessions {
			applied := "yes"
			if !s.Ok {
				applied = "no"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				s.SessionID, s.CompletedAt, s.ResultCode, applied,
				common.FormatBytes(s.FirmwareBytes), s.Chunks)
		}
		w.Flush()
		return
	}

	body := fetchAPI(base + "/api/status")
	if *asJSON {
		os.Stdout.Write(body)
		return
	}
	var st statusView
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Println("decode status:", err)
		os.Exit(1)
	}
	upload := "idle"
	if st.Upload.Active {
		upload = fmt.Sprintf("%s, %s in %d chunks", st.Upload.State,
			common.FormatBytes(st.Upload.FirmwareBytes), st.Upload.Chunks)
	}
	fmt.Printf("Gateway:   %s\n", st.Gateway)
	fmt.Printf("Device:    %s\n", st.Device)
	fmt.Printf("Upload:    %s\n", upload)
	fmt.Printf("Last:      %s\n", st.Upload.LastResult)
	fmt.Printf("Sessions:  %d\n", st.Sessions)
	fmt.Printf("Totals:    %s in %d segments, %d chunks, %d resets\n",
		common.FormatBytes(st.Totals.Bytes), st.Totals.Segments, st.Totals.Chunks, st.Totals.Resets)
}

func fetchAPI(url string) []byte {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Println("gateway request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Println("read response:", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("gateway answered %s\n", resp.Status)
		os.Exit(1)
	}
	return body
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	server := fs.String("server", defaultServer, "gateway base URL")
	journal := fs.String("journal", "", "read events from a local journal instead of the gateway")
	session := fs.String("session", "", "session identifier")
	pdfPath := fs.String("pdf", "", "output PDF path (defaults to session-<id>.pdf)")
	jsonOut := fs.String("json-out", "", "also write the report as JSON")
	fs.Parse(args)

	if *session == "" {
		fmt.Println("required: --session")
		os.Exit(1)
	}

	var events []common.Event
	var err error
	if *journal != "" {
		events, err = common.ReadJournal(*journal)
		if err != nil {
			fmt.Println("read journal:", err)
			os.Exit(1)
		}
	} else {
		events, err = fetchSessionEvents(strings.TrimRight(*server, "/"), *session)
		if err != nil {
			fmt.Println("fetch events:", err)
			os.Exit(1)
		}
	}

	rep, err := report.FromEvents(*session, events)
	if err != nil {
		fmt.Println("build report:", err)
		os.Exit(1)
	}
	if *jsonOut != "" {
		if err := report.SaveSessionJSON(rep, *jsonOut); err != nil {
			fmt.Println("write json:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote", *jsonOut)
	}
	out := *pdfPath
	if out == "" {
		out = "session-" + common.ShortID(*session) + ".pdf"
	}
	if err := report.SaveSessionPDF(rep, out); err != nil {
		fmt.Println("write pdf:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote PDF:", out)
}

func fetchSessionEvents(base, session string) ([]common.Event, error) {
	resp, err := http.Get(base + "/api/sessions/" + session + "/events")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway answered %s", resp.Status)
	}
	dec := json.NewDecoder(resp.Body)
	var events []common.Event
	for {
		var ev common.Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if ev.Session == "" {
			continue // the stream's own error records carry no session
		}
		events = append(events, ev)
	}
	return events, nil
}

func codesCmd(args []string) {
	fs := flag.NewFlagSet("codes", flag.ExitOnError)
	table := fs.String("table", "", "merge an external code table before listing")
	fs.Parse(args)

	if *table != "" {
		if err := hsm.LoadCodeTable(*table); err != nil {
			fmt.Println("load table:", err)
			os.Exit(1)
		}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tDESCRIPTION")
	for _, code := range hsm.Codes() {
		fmt.Fprintf(w, "%s\t%s\n", code.Hex(), code.Describe())
	}
	w.Flush()
}
