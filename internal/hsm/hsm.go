// Package hsm defines the contract between the upload gateway and the
// hardware security module's firmware update procedure, the device result
// codes, and a filesystem-backed simulator used in development and tests.
// The real device transport sits behind the Updater interface and is out of
// scope for the gateway.
package hsm

import "context"

// PullFunc copies up to len(dst) firmware bytes into dst and reports how
// many were copied. It blocks until bytes are available and returns 0 with
// io.EOF once the stream has ended. The update procedure calls it
// repeatedly, never concurrently.
type PullFunc func(dst []byte) (int, error)

// Updater runs the device update procedure: it validates the manifest,
// pulls the firmware image through pull, and reports a terminal Result. A
// manifest rejection must happen before the first pull so the gateway can
// distinguish it from a streaming failure.
type Updater interface {
	Update(ctx context.Context, manifest []byte, pull PullFunc) Result
}

// Describer supplies the one-line device status text embedded in the status
// page and the status API.
type Describer interface {
	DeviceStatus(ctx context.Context) string
}

// Result is the terminal outcome of one update procedure run.
type Result struct {
	Code   Code
	Detail string
}

// Ok reports whether the update was applied.
func (r Result) Ok() bool {
	return r.Code == CodeOK
}

func (r Result) String() string {
	if r.Detail == "" {
		return r.Code.Hex() + " " + r.Code.Describe()
	}
	return r.Code.Hex() + " " + r.Code.Describe() + ": " + r.Detail
}
