package hsm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"example.com/hsmgate/internal/common"
)

// DefaultFragmentSize is the pull buffer size the simulated device uses,
// matching the transfer unit of the modeled hardware.
const DefaultFragmentSize = 1024

// SimulatorOptions configure the filesystem-backed device simulator.
type SimulatorOptions struct {
	// Root is the store directory. Required.
	Root string
	// FragmentSize overrides the device pull buffer size. Zero means
	// DefaultFragmentSize.
	FragmentSize int
	// AllowDowngrade accepts images whose version is not newer than the
	// installed one. Off by default, as on the real device.
	AllowDowngrade bool
	// FailAfterPulls injects a device failure after that many pulls.
	// Zero disables injection. Tests use it to exercise mid-stream
	// failure handling in the gateway.
	FailAfterPulls int
	// FailCode is the result reported by an injected failure. Zero means
	// CodeDeviceError.
	FailCode Code
}

// Simulator implements Updater and Describer against a local Store. It
// mimics the device procedure faithfully enough for gateway development:
// manifest rejection happens before the first pull, the image is pulled in
// fragment-sized pieces, and verification failures surface as device result
// codes rather than errors.
type Simulator struct {
	opts  SimulatorOptions
	store *Store
}

func NewSimulator(opts SimulatorOptions) (*Simulator, error) {
	if opts.Root == "" {
		return nil, errors.New("simulator: store root required")
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = DefaultFragmentSize
	}
	store, err := NewStore(opts.Root)
	if err != nil {
		return nil, err
	}
	return &Simulator{opts: opts, store: store}, nil
}

// Store exposes the underlying release store for status reporting.
func (s *Simulator) Store() *Store {
	return s.store
}

// Update runs the simulated update procedure. See Updater for the contract.
func (s *Simulator) Update(ctx context.Context, manifest []byte, pull PullFunc) Result {
	env, err := ParseEnvelope(manifest)
	if err != nil {
		return Result{Code: CodeManifestFormat, Detail: err.Error()}
	}
	if !s.opts.AllowDowngrade {
		installed, ok, err := s.store.InstalledVersion()
		if err != nil {
			return Result{Code: CodeDeviceError, Detail: err.Error()}
		}
		if ok && env.Version.Compare(installed) <= 0 {
			return Result{
				Code:   CodeVersionRejected,
				Detail: fmt.Sprintf("offered %s, installed %s", env.Version, installed),
			}
		}
	}

	staging, err := s.store.BeginStaging()
	if err != nil {
		return Result{Code: CodeDeviceError, Detail: err.Error()}
	}
	stagingPath := staging.Name()
	activated := false
	defer func() {
		staging.Close()
		if !activated {
			os.Remove(stagingPath)
		}
	}()

	hasher := common.NewHasher()
	buf := make([]byte, s.opts.FragmentSize)
	var total uint64
	pulls := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{Code: CodeAborted, Detail: err.Error()}
		}
		if s.opts.FailAfterPulls > 0 && pulls >= s.opts.FailAfterPulls {
			code := s.opts.FailCode
			if code == CodeOK {
				code = CodeDeviceError
			}
			return Result{Code: code, Detail: "injected device failure"}
		}
		n, err := pull(buf)
		pulls++
		if n > 0 {
			if _, werr := staging.Write(buf[:n]); werr != nil {
				return Result{Code: CodeDeviceError, Detail: werr.Error()}
			}
			hasher.Write(buf[:n])
			total += uint64(n)
			if total > uint64(env.ImageLen) {
				return Result{
					Code:   CodeLengthMismatch,
					Detail: fmt.Sprintf("stream exceeds the %d bytes declared", env.ImageLen),
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Result{Code: CodeAborted, Detail: err.Error()}
		}
	}

	if total != uint64(env.ImageLen) {
		return Result{
			Code:   CodeLengthMismatch,
			Detail: fmt.Sprintf("streamed %d bytes, manifest declares %d", total, env.ImageLen),
		}
	}
	if got, want := hasher.Sum(), hex.EncodeToString(env.Digest[:]); got != want {
		return Result{
			Code:   CodeDigestMismatch,
			Detail: fmt.Sprintf("image sha256 %s, manifest declares %s", got, want),
		}
	}

	if err := staging.Close(); err != nil {
		return Result{Code: CodeDeviceError, Detail: err.Error()}
	}
	if _, err := s.store.Activate(env.Version, stagingPath); err != nil {
		return Result{Code: CodeDeviceError, Detail: err.Error()}
	}
	activated = true
	return Result{Code: CodeOK, Detail: fmt.Sprintf("firmware %s activated", env.Version)}
}

// DeviceStatus implements Describer.
func (s *Simulator) DeviceStatus(ctx context.Context) string {
	installed, ok, err := s.store.InstalledVersion()
	if err != nil {
		return "simulated hsm: store unreadable: " + err.Error()
	}
	releases, _ := s.store.Releases()
	if !ok {
		return fmt.Sprintf("simulated hsm: no firmware installed, %d releases stored", len(releases))
	}
	return fmt.Sprintf("simulated hsm: firmware %s active, %d releases stored", installed, len(releases))
}
