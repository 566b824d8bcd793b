// Package upload implements the resumable state machine that reconstructs a
// manifest and a firmware image from a segmented multipart body and streams
// the image into the device update procedure while it runs.
//
// The machine advances once per transport segment and suspends between
// calls without losing progress. Segments may split the boundary token, a
// part header, or a chunk at any byte; the machine re-scans its staged
// bytes on every delivery, so reconstruction is independent of how the body
// was segmented. Staged bytes that cannot yet be proven to be payload (they
// could still turn out to be the front of a boundary delimiter) are never
// handed to the device.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/hsmgate/internal/common"
	"example.com/hsmgate/internal/formdata"
	"example.com/hsmgate/internal/handoff"
	"example.com/hsmgate/internal/hsm"
)

const (
	// DefaultManifestLimit caps the manifest field, mirroring the device's
	// manifest buffer.
	DefaultManifestLimit = 4096
	// DefaultChunkSize is the firmware handoff unit, matching the device's
	// transfer fragment.
	DefaultChunkSize = 1024
	// DefaultResultWait bounds how long teardown waits for the device to
	// report a terminal result.
	DefaultResultWait = 30 * time.Second

	// maxPartHeader bounds a boundary line plus part headers while they
	// are assembled across segments.
	maxPartHeader = 4096
)

// State identifies where the machine suspended between segments. The
// journal records the names.
type State int

const (
	StateInit State = iota
	StateManifestStart
	StateManifestDone
	StateFirmwareStart
	StateFirmwareChunk
	StateFirmwareDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateManifestStart:
		return "MANIFEST_START"
	case StateManifestDone:
		return "MANIFEST_DONE"
	case StateFirmwareStart:
		return "FIRMWARE_START"
	case StateFirmwareChunk:
		return "FIRMWARE_CHUNK"
	case StateFirmwareDone:
		return "FIRMWARE_DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// The three failure kinds. Every failure Advance or Finish reports wraps
// one of these; all of them are recovered locally by resetting the session.
var (
	// ErrParse marks a malformed body: missing boundary, missing required
	// field, or parts out of order.
	ErrParse = errors.New("multipart parse error")
	// ErrOverflow marks a field that exceeds its fixed capacity.
	ErrOverflow = errors.New("capacity exceeded")
	// ErrConsumer marks an update procedure that rejected the manifest,
	// stopped pulling, or reported a non-success result.
	ErrConsumer = errors.New("update procedure failed")
)

// Config carries the session's collaborators and limits.
type Config struct {
	// Updater runs the device update procedure. Required.
	Updater hsm.Updater
	// ManifestField is the required first part name. Default "manifest".
	ManifestField string
	// FirmwareField is the required second part name. Default "data".
	FirmwareField string
	// ManifestLimit caps the manifest field. Default DefaultManifestLimit.
	ManifestLimit int
	// ChunkSize is the handoff unit. Default DefaultChunkSize.
	ChunkSize int
	// ResultWait bounds the wait for the device verdict during teardown.
	// Default DefaultResultWait.
	ResultWait time.Duration
	// Journal, when set, receives one JSONL event per session step.
	Journal *common.Journal
	// Metrics, when set, accumulates transfer counters across uploads.
	Metrics *common.Metrics
}

func (c Config) withDefaults() Config {
	if c.ManifestField == "" {
		c.ManifestField = "manifest"
	}
	if c.FirmwareField == "" {
		c.FirmwareField = "data"
	}
	if c.ManifestLimit <= 0 {
		c.ManifestLimit = DefaultManifestLimit
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ResultWait <= 0 {
		c.ResultWait = DefaultResultWait
	}
	return c
}

// Session is the single upload in flight. It is owned by one request at a
// time; the server serializes access. All fields are mutated only by the
// request side, the consumer communicates through its channels.
type Session struct {
	cfg Config

	id      string
	state   State
	failure error

	// boundary is the token captured from the body's first line, dashes
	// included. delim is CRLF + boundary, the separator that terminates
	// every part payload.
	boundary []byte
	delim    []byte

	// acc stages bytes for whichever phase is active: part headers during
	// INIT and FIRMWARE_START, the manifest during MANIFEST_START, and
	// unflushed payload plus a possible partial delimiter during
	// FIRMWARE_CHUNK.
	acc      []byte
	manifest []byte

	cons         *consumer
	readySeen    bool
	sentinelSent bool
	result       hsm.Result
	haveResult   bool

	firmwareBytes int64
	chunks        int
	segments      int
	seq           uint64
}

// NewSession returns a reusable session. One Session serves uploads
// back-to-back; Finish resets it.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Updater == nil {
		return nil, errors.New("upload: Updater required")
	}
	return &Session{cfg: cfg.withDefaults()}, nil
}

// ID returns the identifier of the upload in progress, or "" between
// uploads.
func (s *Session) ID() string { return s.id }

// State returns the machine's current state.
func (s *Session) State() State { return s.state }

// Snapshot captures the machine's observable progress. Only the goroutine
// feeding the session may take it (between Advance calls); the server
// publishes copies to status observers.
type Snapshot struct {
	SessionID     string `json:"session_id,omitempty"`
	State         string `json:"state"`
	ManifestBytes int    `json:"manifest_bytes"`
	FirmwareBytes int64  `json:"firmware_bytes"`
	Chunks        int    `json:"chunks"`
	Segments      int    `json:"segments"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:     s.id,
		State:         s.state.String(),
		ManifestBytes: len(s.manifest),
		FirmwareBytes: s.firmwareBytes,
		Chunks:        s.chunks,
		Segments:      s.segments,
	}
}

// Advance feeds one transport segment to the machine and consumes it
// entirely before returning. The only blocking points are the handoff
// rendezvous with the consumer and the readiness wait after the manifest
// completes. After a failure the session absorbs further segments and keeps
// returning the same error until Finish resets it.
func (s *Session) Advance(ctx context.Context, seg []byte) error {
	if s.id == "" {
		s.begin()
	}
	if len(seg) == 0 {
		return s.failure
	}
	s.segments++
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AddSegment(int64(len(seg)))
	}
	if s.failure != nil {
		return s.failure
	}

	cur := 0
	for {
		var err error
		switch s.state {
		case StateInit:
			cur, err = s.scanManifestHeader(seg, cur)
		case StateManifestStart:
			cur, err = s.accumulateManifest(seg, cur)
		case StateManifestDone:
			err = s.launchConsumer(ctx)
		case StateFirmwareStart:
			cur, err = s.scanFirmwareHeader(seg, cur)
		case StateFirmwareChunk:
			cur, err = s.streamFirmware(ctx, seg, cur)
		case StateFirmwareDone, StateFailed:
			// End-of-part trailer, not consumed as payload.
			cur = len(seg)
		}
		if err != nil {
			return s.fail(err)
		}
		if s.state == StateManifestDone {
			continue // consumes no input, must run before suspending
		}
		if cur >= len(seg) {
			return nil
		}
	}
}

// scanManifestHeader assembles the body's first boundary line and part
// headers until the scanner accepts them, then captures the boundary token
// and rewinds the cursor to the first payload byte.
func (s *Session) scanManifestHeader(seg []byte, cur int) (int, error) {
	prev := len(s.acc)
	take := len(seg) - cur
	if room := maxPartHeader - prev; take > room {
		take = room
	}
	s.acc = append(s.acc, seg[cur:cur+take]...)

	if len(s.acc) >= 2 && !bytes.HasPrefix(s.acc, []byte("--")) {
		return 0, fmt.Errorf("%w: body does not begin with a boundary line", ErrParse)
	}
	if eol := bytes.Index(s.acc, []byte("\r\n")); eol > formdata.MaxBoundaryLen ||
		(eol < 0 && len(s.acc) >= formdata.MaxBoundaryLine) {
		return 0, fmt.Errorf("%w: boundary token exceeds %d bytes", ErrParse, formdata.MaxBoundaryLen)
	}
	part, ok := formdata.Scan(s.acc)
	if !ok {
		if len(s.acc) >= maxPartHeader {
			return 0, fmt.Errorf("%w: part header exceeds %d bytes", ErrParse, maxPartHeader)
		}
		return cur + take, nil
	}
	if part.FieldName != s.cfg.ManifestField {
		return 0, fmt.Errorf("%w: first part field %q, want %q", ErrParse, part.FieldName, s.cfg.ManifestField)
	}
	s.boundary = append([]byte(nil), part.Boundary...)
	s.delim = append([]byte("\r\n"), s.boundary...)

	// The scanner failed on the previous, shorter staging, so the header
	// block ends inside this segment's bytes and the cursor can take over
	// from there.
	consumed := part.PayloadOffset - prev
	s.acc = s.acc[:0]
	s.setState(StateManifestStart, fmt.Sprintf("field=%s file=%s", part.FieldName, part.FileName))
	return cur + consumed, nil
}

// accumulateManifest stages manifest bytes until the boundary delimiter
// appears. Staged bytes beyond a possible partial delimiter count against
// the manifest limit, so an oversized manifest fails as soon as its size is
// proven, not when the delimiter arrives.
func (s *Session) accumulateManifest(seg []byte, cur int) (int, error) {
	limit := s.cfg.ManifestLimit
	maxAcc := limit + len(s.delim)

	prev := len(s.acc)
	take := len(seg) - cur
	if room := maxAcc - prev; take > room {
		take = room
	}
	s.acc = append(s.acc, seg[cur:cur+take]...)

	if i := bytes.Index(s.acc, s.delim); i >= 0 {
		s.manifest = append([]byte(nil), s.acc[:i]...)
		consumed := i + len(s.delim) - prev
		s.acc = s.acc[:0]
		s.setState(StateManifestDone, fmt.Sprintf("manifest %d bytes", i))
		return cur + consumed, nil
	}
	if confirmed := len(s.acc) - (len(s.delim) - 1); confirmed > limit {
		return 0, fmt.Errorf("%w: manifest larger than %d bytes", ErrOverflow, limit)
	}
	return cur + take, nil
}

// launchConsumer starts the update procedure with the completed manifest
// and blocks until the device either begins pulling or rejects the
// manifest.
func (s *Session) launchConsumer(ctx context.Context) error {
	s.cons = startConsumer(s.cfg.Updater, s.manifest)
	s.event("consumer", "started", int64(len(s.manifest)))
	select {
	case <-s.cons.ready:
		s.readySeen = true
		s.event("consumer", "ready", 0)
		// Seed the header staging with the boundary token consumed along
		// with the manifest delimiter, so the scanner sees a whole
		// boundary line again.
		s.acc = append(s.acc[:0], s.boundary...)
		s.setState(StateFirmwareStart, "")
		return nil
	case res := <-s.cons.done:
		s.result, s.haveResult = res, true
		return fmt.Errorf("%w: manifest rejected: %s", ErrConsumer, res)
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for device readiness: %v", ErrConsumer, ctx.Err())
	}
}

// scanFirmwareHeader assembles the firmware part's boundary line and
// headers, exactly like scanManifestHeader but with the staging pre-seeded
// with the boundary token.
func (s *Session) scanFirmwareHeader(seg []byte, cur int) (int, error) {
	prev := len(s.acc)
	take := len(seg) - cur
	if room := maxPartHeader - prev; take > room {
		take = room
	}
	s.acc = append(s.acc, seg[cur:cur+take]...)

	if n := len(s.boundary); len(s.acc) >= n+2 && s.acc[n] == '-' && s.acc[n+1] == '-' {
		return 0, fmt.Errorf("%w: body closed before a firmware part", ErrParse)
	}
	part, ok := formdata.Scan(s.acc)
	if !ok {
		if len(s.acc) >= maxPartHeader {
			return 0, fmt.Errorf("%w: part header exceeds %d bytes", ErrParse, maxPartHeader)
		}
		return cur + take, nil
	}
	if part.FieldName != s.cfg.FirmwareField {
		return 0, fmt.Errorf("%w: second part field %q, want %q", ErrParse, part.FieldName, s.cfg.FirmwareField)
	}
	consumed := part.PayloadOffset - prev
	s.acc = s.acc[:0]
	s.setState(StateFirmwareChunk, fmt.Sprintf("field=%s file=%s", part.FieldName, part.FileName))
	return cur + consumed, nil
}

// streamFirmware stages payload bytes and hands them to the consumer in
// ChunkSize pieces. The trailing len(delim)-1 staged bytes are withheld
// from every flush: they could still be the front of the closing
// delimiter, and flushed bytes can never be taken back from the device.
func (s *Session) streamFirmware(ctx context.Context, seg []byte, cur int) (int, error) {
	chunk := s.cfg.ChunkSize
	maxStage := chunk + len(s.delim)

	prev := len(s.acc)
	take := len(seg) - cur
	if room := maxStage - prev; take > room {
		take = room
	}
	s.acc = append(s.acc, seg[cur:cur+take]...)

	if i := bytes.Index(s.acc, s.delim); i >= 0 {
		// i never exceeds ChunkSize: anything larger would have been
		// flushed as a full chunk on an earlier round.
		if i > 0 {
			if err := s.sendChunk(ctx, s.acc[:i]); err != nil {
				return 0, err
			}
		}
		consumed := i + len(s.delim) - prev
		s.acc = s.acc[:0]
		s.setState(StateFirmwareDone, fmt.Sprintf("firmware %d bytes in %d chunks", s.firmwareBytes, s.chunks))
		if err := s.finishFirmware(ctx); err != nil {
			return 0, err
		}
		return cur + consumed, nil
	}

	for len(s.acc)-(len(s.delim)-1) >= chunk {
		if err := s.sendChunk(ctx, s.acc[:chunk]); err != nil {
			return 0, err
		}
		n := copy(s.acc, s.acc[chunk:])
		s.acc = s.acc[:n]
	}
	return cur + take, nil
}

// sendChunk performs one handoff rendezvous. The chunk slice aliases the
// staging buffer; the channel's send-returns-after-drain contract makes
// reusing it immediately afterwards safe.
func (s *Session) sendChunk(ctx context.Context, p []byte) error {
	if err := s.cons.ch.Send(ctx, p); err != nil {
		if errors.Is(err, handoff.ErrConsumerGone) {
			// The consumer reports right after releasing the channel.
			res := <-s.cons.done
			s.result, s.haveResult = res, true
			return fmt.Errorf("%w: device stopped pulling: %s", ErrConsumer, res)
		}
		return fmt.Errorf("%w: chunk handoff: %v", ErrConsumer, err)
	}
	s.firmwareBytes += int64(len(p))
	s.chunks++
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AddChunk()
	}
	return nil
}

// finishFirmware delivers the end-of-stream sentinel and waits for the
// device verdict. A non-success verdict is a failure, with the code
// retained for the response page.
func (s *Session) finishFirmware(ctx context.Context) error {
	if !s.sentinelSent {
		s.sentinelSent = true
		if err := s.cons.ch.Send(ctx, nil); err != nil && !errors.Is(err, handoff.ErrConsumerGone) {
			return fmt.Errorf("%w: delivering end of stream: %v", ErrConsumer, err)
		}
	}
	res, err := s.awaitResult()
	if err != nil {
		return err
	}
	s.result, s.haveResult = res, true
	if !res.Ok() {
		return fmt.Errorf("%w: %s", ErrConsumer, res)
	}
	return nil
}

// awaitResult waits up to ResultWait for the consumer's verdict, then
// cancels the procedure and waits once more before giving up.
func (s *Session) awaitResult() (hsm.Result, error) {
	if s.haveResult {
		return s.result, nil
	}
	timer := time.NewTimer(s.cfg.ResultWait)
	defer timer.Stop()
	select {
	case res := <-s.cons.done:
		return res, nil
	case <-timer.C:
	}
	s.cons.cancel()
	retry := time.NewTimer(s.cfg.ResultWait)
	defer retry.Stop()
	select {
	case res := <-s.cons.done:
		return res, nil
	case <-retry.C:
		return hsm.Result{Code: hsm.CodeNone}, fmt.Errorf("%w: device did not report a result", ErrConsumer)
	}
}

// Finish completes the upload once the transport reports no more body data
// is pending. It tears down a still-running consumer, appends the terminal
// journal records, and unconditionally resets the session so the next
// upload starts from INIT. The returned Outcome carries everything the
// response page needs.
func (s *Session) Finish(ctx context.Context) Outcome {
	if s.id == "" {
		s.begin()
	}
	if s.cons != nil {
		s.teardownConsumer(ctx)
	}

	out := Outcome{
		SessionID:     s.id,
		State:         s.state,
		Failure:       s.failure,
		Result:        hsm.Result{Code: hsm.CodeNone},
		ManifestLen:   len(s.manifest),
		FirmwareBytes: s.firmwareBytes,
		Chunks:        s.chunks,
		Segments:      s.segments,
	}
	if s.haveResult {
		out.Result = s.result
	}
	if len(s.manifest) > 0 {
		out.ManifestDigest = common.HexDigest(s.manifest)
	}

	s.eventResult(out.Result)
	s.event("reset", "", s.firmwareBytes)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Stop()
		s.cfg.Metrics.IncReset()
	}
	s.reset()
	return out
}

// teardownConsumer settles an upload whose consumer is still running: a
// body that ended mid-firmware gets its end-of-stream sentinel (the device
// then fails verification on its own terms), anything else is cancelled.
func (s *Session) teardownConsumer(ctx context.Context) {
	defer s.cons.cancel()
	if s.haveResult {
		return
	}
	select {
	case res := <-s.cons.done:
		s.result, s.haveResult = res, true
		return
	default:
	}
	if s.readySeen && !s.sentinelSent {
		s.sentinelSent = true
		sctx, cancel := context.WithTimeout(ctx, s.cfg.ResultWait)
		if err := s.cons.ch.Send(sctx, nil); err != nil && !errors.Is(err, handoff.ErrConsumerGone) {
			common.Logf("upload %s: end-of-stream not delivered: %v", common.ShortID(s.id), err)
		}
		cancel()
	} else if !s.readySeen {
		s.cons.cancel()
	}
	res, err := s.awaitResult()
	if err != nil {
		common.Logf("upload %s: %v", common.ShortID(s.id), err)
		return
	}
	s.result, s.haveResult = res, true
}

func (s *Session) fail(err error) error {
	if s.failure == nil {
		s.failure = err
		s.state = StateFailed
		s.event("failure", err.Error(), 0)
		common.Logf("upload %s failed: %v", common.ShortID(s.id), err)
	}
	return s.failure
}

func (s *Session) begin() {
	s.id = uuid.NewString()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Start()
	}
	s.event("start", "", 0)
}

func (s *Session) reset() {
	s.id = ""
	s.state = StateInit
	s.failure = nil
	s.boundary = nil
	s.delim = nil
	s.acc = s.acc[:0]
	s.manifest = nil
	s.cons = nil
	s.readySeen = false
	s.sentinelSent = false
	s.result = hsm.Result{}
	s.haveResult = false
	s.firmwareBytes = 0
	s.chunks = 0
	s.segments = 0
	s.seq = 0
}

func (s *Session) setState(next State, detail string) {
	s.state = next
	s.event("state", detail, 0)
}

func (s *Session) event(kind, detail string, bytes int64) {
	if s.cfg.Journal == nil {
		return
	}
	s.seq++
	err := s.cfg.Journal.Append(common.Event{
		Session: s.id,
		Kind:    kind,
		State:   s.state.String(),
		Detail:  detail,
		Bytes:   bytes,
		Seq:     s.seq,
	})
	if err != nil {
		common.Logf("journal append: %v", err)
	}
}

func (s *Session) eventResult(res hsm.Result) {
	if s.cfg.Journal == nil {
		return
	}
	s.seq++
	err := s.cfg.Journal.Append(common.Event{
		Session: s.id,
		Kind:    "result",
		State:   s.state.String(),
		Detail:  res.Detail,
		Bytes:   s.firmwareBytes,
		Seq:     s.seq,
		Code:    res.Code.Hex(),
	})
	if err != nil {
		common.Logf("journal append: %v", err)
	}
}

// Outcome summarizes one finished upload attempt.
type Outcome struct {
	SessionID      string
	State          State
	Failure        error
	Result         hsm.Result
	ManifestLen    int
	ManifestDigest string
	FirmwareBytes  int64
	Chunks         int
	Segments       int
}

// ResultLine renders the fixed result line embedded in the response page.
func (o Outcome) ResultLine() string {
	return fmt.Sprintf("Update result %s: %s", o.Result.Code.Hex(), o.Result.Code.Describe())
}
