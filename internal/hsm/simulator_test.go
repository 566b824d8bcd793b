package hsm

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*31 + 7)
	}
	return img
}

func buildManifest(t *testing.T, image []byte, version FWVersion) []byte {
	t.Helper()
	env := Envelope{ImageLen: uint32(len(image)), Version: version}
	sum := sha256.Sum256(image)
	copy(env.Digest[:], sum[:])
	return append(env.Marshal(), []byte("build=test\n")...)
}

func pullFromBytes(image []byte) PullFunc {
	off := 0
	return func(dst []byte) (int, error) {
		if off >= len(image) {
			return 0, io.EOF
		}
		n := copy(dst, image[off:])
		off += n
		return n, nil
	}
}

func newTestSimulator(t *testing.T, opts SimulatorOptions) *Simulator {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	sim, err := NewSimulator(opts)
	if err != nil {
		t.Fatalf("NewSimulator: %v", err)
	}
	return sim
}

func TestEnvelopeRoundTrip(t *testing.T) {
	img := testImage(300)
	sum := sha256.Sum256(img)
	want := Envelope{ImageLen: 300, Version: FWVersion{Major: 2, Minor: 7}}
	copy(want.Digest[:], sum[:])

	got, err := ParseEnvelope(append(want.Marshal(), 0xAA, 0xBB))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if got != want {
		t.Fatalf("envelope mismatch: got %+v want %+v", got, want)
	}
}

func TestParseEnvelopeRejects(t *testing.T) {
	valid := buildManifest(t, testImage(10), FWVersion{Major: 1, Minor: 0})
	cases := []struct {
		name     string
		manifest []byte
	}{
		{"empty", nil},
		{"truncated", valid[:EnvelopeLen-1]},
		{"bad magic", append([]byte("XXXX"), valid[4:]...)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope(tc.manifest); err == nil {
				t.Fatalf("ParseEnvelope accepted %q", tc.name)
			}
		})
	}
}

func TestFWVersionCompare(t *testing.T) {
	cases := []struct {
		a, b FWVersion
		want int
	}{
		{FWVersion{1, 0}, FWVersion{1, 0}, 0},
		{FWVersion{1, 2}, FWVersion{1, 10}, -1},
		{FWVersion{2, 0}, FWVersion{1, 99}, 1},
		{FWVersion{1, 10}, FWVersion{1, 2}, 1},
	}
	for _, tc := range cases {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSimulatorAppliesUpdate(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	img := testImage(2500)

	var pullSizes []int
	pull := pullFromBytes(img)
	recording := func(dst []byte) (int, error) {
		pullSizes = append(pullSizes, len(dst))
		return pull(dst)
	}

	res := sim.Update(context.Background(), buildManifest(t, img, FWVersion{Major: 1, Minor: 4}), recording)
	if !res.Ok() {
		t.Fatalf("Update = %v, want CodeOK", res)
	}
	for i, size := range pullSizes {
		if size != DefaultFragmentSize {
			t.Fatalf("pull %d offered %d-byte buffer, want %d", i, size, DefaultFragmentSize)
		}
	}

	version, ok, err := sim.Store().InstalledVersion()
	if err != nil || !ok {
		t.Fatalf("InstalledVersion = %v, %v, %v", version, ok, err)
	}
	if version != (FWVersion{Major: 1, Minor: 4}) {
		t.Fatalf("installed %s, want 1.4", version)
	}

	imagePath, err := sim.Store().ActiveImagePath()
	if err != nil {
		t.Fatalf("ActiveImagePath: %v", err)
	}
	stored, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatalf("read stored image: %v", err)
	}
	if string(stored) != string(img) {
		t.Fatalf("stored image differs from streamed image (%d vs %d bytes)", len(stored), len(img))
	}

	if status := sim.DeviceStatus(context.Background()); !strings.Contains(status, "firmware 1.4 active") {
		t.Fatalf("DeviceStatus = %q", status)
	}
}

func TestSimulatorRejectsBadManifestBeforePulling(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	pulled := false
	res := sim.Update(context.Background(), []byte("not an envelope"), func(dst []byte) (int, error) {
		pulled = true
		return 0, io.EOF
	})
	if res.Code != CodeManifestFormat {
		t.Fatalf("Update = %v, want CodeManifestFormat", res)
	}
	if pulled {
		t.Fatal("device pulled firmware despite rejecting the manifest")
	}
}

func TestSimulatorRejectsDowngrade(t *testing.T) {
	root := t.TempDir()
	sim := newTestSimulator(t, SimulatorOptions{Root: root})

	img := testImage(64)
	if res := sim.Update(context.Background(), buildManifest(t, img, FWVersion{Major: 2, Minor: 0}), pullFromBytes(img)); !res.Ok() {
		t.Fatalf("initial install = %v", res)
	}

	for _, offered := range []FWVersion{{Major: 1, Minor: 9}, {Major: 2, Minor: 0}} {
		res := sim.Update(context.Background(), buildManifest(t, img, offered), pullFromBytes(img))
		if res.Code != CodeVersionRejected {
			t.Fatalf("offered %s: got %v, want CodeVersionRejected", offered, res)
		}
	}

	// The same store accepts an older release when downgrades are allowed.
	permissive := newTestSimulator(t, SimulatorOptions{Root: root, AllowDowngrade: true})
	res := permissive.Update(context.Background(), buildManifest(t, img, FWVersion{Major: 1, Minor: 9}), pullFromBytes(img))
	if !res.Ok() {
		t.Fatalf("downgrade with AllowDowngrade = %v", res)
	}
}

func TestSimulatorLengthMismatch(t *testing.T) {
	img := testImage(150)
	cases := []struct {
		name     string
		declared []byte
	}{
		{"stream longer than declared", testImage(100)},
		{"stream shorter than declared", testImage(400)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sim := newTestSimulator(t, SimulatorOptions{})
			res := sim.Update(context.Background(), buildManifest(t, tc.declared, FWVersion{Major: 1, Minor: 0}), pullFromBytes(img))
			if res.Code != CodeLengthMismatch {
				t.Fatalf("Update = %v, want CodeLengthMismatch", res)
			}
			if _, ok, _ := sim.Store().InstalledVersion(); ok {
				t.Fatal("rejected image was activated")
			}
			assertNoStagingLeftovers(t, sim)
		})
	}
}

func TestSimulatorDigestMismatch(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{})
	img := testImage(512)
	manifest := buildManifest(t, img, FWVersion{Major: 1, Minor: 0})
	img[100] ^= 0xFF

	res := sim.Update(context.Background(), manifest, pullFromBytes(img))
	if res.Code != CodeDigestMismatch {
		t.Fatalf("Update = %v, want CodeDigestMismatch", res)
	}
	assertNoStagingLeftovers(t, sim)
}

func TestSimulatorAborts(t *testing.T) {
	t.Run("context cancelled", func(t *testing.T) {
		sim := newTestSimulator(t, SimulatorOptions{})
		img := testImage(64)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := sim.Update(ctx, buildManifest(t, img, FWVersion{Major: 1, Minor: 0}), pullFromBytes(img))
		if res.Code != CodeAborted {
			t.Fatalf("Update = %v, want CodeAborted", res)
		}
	})
	t.Run("pull error", func(t *testing.T) {
		sim := newTestSimulator(t, SimulatorOptions{})
		img := testImage(64)
		res := sim.Update(context.Background(), buildManifest(t, img, FWVersion{Major: 1, Minor: 0}), func(dst []byte) (int, error) {
			return 0, context.Canceled
		})
		if res.Code != CodeAborted {
			t.Fatalf("Update = %v, want CodeAborted", res)
		}
	})
}

func TestSimulatorInjectedFailure(t *testing.T) {
	sim := newTestSimulator(t, SimulatorOptions{FailAfterPulls: 2, FailCode: 0x0777})
	img := testImage(5000)
	res := sim.Update(context.Background(), buildManifest(t, img, FWVersion{Major: 1, Minor: 0}), pullFromBytes(img))
	if res.Code != Code(0x0777) {
		t.Fatalf("Update = %v, want injected 0x0777", res)
	}
	assertNoStagingLeftovers(t, sim)
}

func assertNoStagingLeftovers(t *testing.T, sim *Simulator) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(sim.opts.Root, "staging-*"))
	if err != nil {
		t.Fatalf("glob staging files: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("staging files left behind: %v", leftovers)
	}
}

func TestStoreReleasesOrder(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, v := range []FWVersion{{Major: 1, Minor: 10}, {Major: 1, Minor: 2}, {Major: 2, Minor: 0}} {
		f, err := store.BeginStaging()
		if err != nil {
			t.Fatalf("BeginStaging: %v", err)
		}
		if _, err := f.Write([]byte("image " + v.String())); err != nil {
			t.Fatalf("write staging: %v", err)
		}
		f.Close()
		if _, err := store.Activate(v, f.Name()); err != nil {
			t.Fatalf("Activate %s: %v", v, err)
		}
	}

	releases, err := store.Releases()
	if err != nil {
		t.Fatalf("Releases: %v", err)
	}
	want := []FWVersion{{Major: 1, Minor: 2}, {Major: 1, Minor: 10}, {Major: 2, Minor: 0}}
	if len(releases) != len(want) {
		t.Fatalf("Releases = %v, want %v", releases, want)
	}
	for i := range want {
		if releases[i] != want[i] {
			t.Fatalf("Releases = %v, want %v", releases, want)
		}
	}

	version, ok, err := store.InstalledVersion()
	if err != nil || !ok {
		t.Fatalf("InstalledVersion = %v, %v, %v", version, ok, err)
	}
	if version != (FWVersion{Major: 2, Minor: 0}) {
		t.Fatalf("installed %s, want 2.0", version)
	}
}

func TestCodeTable(t *testing.T) {
	if got := CodeOK.Describe(); got != "update applied" {
		t.Fatalf("CodeOK.Describe() = %q", got)
	}
	if got := CodeLengthMismatch.Hex(); got != "0x0301" {
		t.Fatalf("CodeLengthMismatch.Hex() = %q", got)
	}
	if got := Code(0x0BAD).Describe(); got != "unrecognized device result" {
		t.Fatalf("unknown code Describe() = %q", got)
	}

	override := filepath.Join(t.TempDir(), "codes.json")
	if err := os.WriteFile(override, []byte(`{"0x0900": "vendor diagnostics"}`), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	if err := LoadCodeTable(override); err != nil {
		t.Fatalf("LoadCodeTable: %v", err)
	}
	if got := Code(0x0900).Describe(); got != "vendor diagnostics" {
		t.Fatalf("override Describe() = %q", got)
	}
	if got := CodeNone.Describe(); got != "no update performed" {
		t.Fatalf("CodeNone.Describe() = %q after override merge", got)
	}
}
