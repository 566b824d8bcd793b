package server

import (
	"errors"
	"time"

	"example.com/hsmgate/internal/hsm"
	"example.com/hsmgate/internal/upload"
)

// Defaults applied by normalizeOptions. The buffer and capacity values
// mirror the modeled device: a 4 KiB manifest buffer, a 1 KiB transfer
// fragment, and a 4 KiB transport read buffer.
const (
	DefaultReadBufferBytes  = 4096
	DefaultMaxUploadBytes   = 512 << 20
	DefaultProgressInterval = time.Second
)

// Options configures server creation.
type Options struct {
	// StorageDir holds the session journal and generated artifacts.
	// Defaults to the OS temp dir.
	StorageDir string

	// Updater runs the device update procedure. Required.
	Updater hsm.Updater

	// Describer supplies the device status line for the page and the
	// status API. When nil, an Updater that also implements Describer is
	// used; otherwise a fixed placeholder is shown.
	Describer hsm.Describer

	// ManifestLimit and ChunkSize bound the upload session's buffers.
	// Zero means the upload package defaults.
	ManifestLimit int
	ChunkSize     int

	// ReadBufferBytes is the transport segment size: the handler reads the
	// body in pieces of at most this many bytes and feeds each to the
	// session.
	ReadBufferBytes int

	// MaxUploadBytes caps one request body.
	MaxUploadBytes int64

	// ResultWait bounds the wait for the device verdict during teardown.
	ResultWait time.Duration

	// ProgressInterval is the push period of the /ws/progress feed.
	ProgressInterval time.Duration

	// GatewayID overrides the fingerprint computed from the host. Tests
	// set it for deterministic output.
	GatewayID string
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Updater == nil {
		return opts, errors.New("server: Updater required")
	}
	if opts.Describer == nil {
		if d, ok := opts.Updater.(hsm.Describer); ok {
			opts.Describer = d
		}
	}
	if opts.ManifestLimit <= 0 {
		opts.ManifestLimit = upload.DefaultManifestLimit
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = upload.DefaultChunkSize
	}
	if opts.ReadBufferBytes <= 0 {
		opts.ReadBufferBytes = DefaultReadBufferBytes
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.ResultWait <= 0 {
		opts.ResultWait = upload.DefaultResultWait
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return opts, nil
}
