package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"example.com/hsmgate/internal/common"
	"example.com/hsmgate/internal/hsm"
)

func writeImage(t *testing.T, dir string, size int) string {
	t.Helper()
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 31)
	}
	path := filepath.Join(dir, "fw.img")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatalf("WriteFile image: %v", err)
	}
	return path
}

func TestBuildManifestRoundTrip(t *testing.T) {
	image := writeImage(t, t.TempDir(), 3000)

	manifest, env, err := buildManifest(image, "2.5", "build=nightly, batch=7")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	parsed, err := hsm.ParseEnvelope(manifest)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed != env {
		t.Fatalf("parsed envelope %+v differs from built %+v", parsed, env)
	}
	if parsed.ImageLen != 3000 {
		t.Fatalf("ImageLen = %d", parsed.ImageLen)
	}
	if parsed.Version != (hsm.FWVersion{Major: 2, Minor: 5}) {
		t.Fatalf("Version = %s", parsed.Version)
	}
	digest, _, err := common.Sha256OfFile(image)
	if err != nil {
		t.Fatalf("Sha256OfFile: %v", err)
	}
	if hex.EncodeToString(parsed.Digest[:]) != digest {
		t.Fatalf("digest = %x, want %s", parsed.Digest, digest)
	}
	tail := manifest[hsm.EnvelopeLen:]
	if !bytes.Equal(tail, []byte("build=nightly\nbatch=7\n")) {
		t.Fatalf("metadata tail = %q", tail)
	}
}

func TestBuildManifestRejectsBadVersion(t *testing.T) {
	image := writeImage(t, t.TempDir(), 10)
	if _, _, err := buildManifest(image, "not-a-version", ""); err == nil {
		t.Fatal("buildManifest accepted a malformed version")
	}
}

func TestManifestCmdWritesFile(t *testing.T) {
	image := writeImage(t, t.TempDir(), 1500)

	manifestCmd([]string{"--image", image, "--fw-version", "1.2"})

	out := defaultManifestPath(image)
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile manifest: %v", err)
	}
	env, err := hsm.ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.ImageLen != 1500 || env.Version != (hsm.FWVersion{Major: 1, Minor: 2}) {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestExtractResultLine(t *testing.T) {
	cases := []struct {
		name string
		page string
		want string
		ok   bool
	}{
		{
			name: "html page",
			page: "<html><body><p class=\"result\">Update result 0x0000: update applied</p></body></html>",
			want: "Update result 0x0000: update applied",
			ok:   true,
		},
		{
			name: "plain text",
			page: "banner\nUpdate result 0xFFFF: no update performed\ntrailer",
			want: "Update result 0xFFFF: no update performed",
			ok:   true,
		},
		{
			name: "missing",
			page: "<html><body>nothing to see</body></html>",
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractResultLine(tc.page)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("extractResultLine = %q, %v; want %q, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestResultCode(t *testing.T) {
	code, err := resultCode("Update result 0x0301: length mismatch")
	if err != nil || code != hsm.CodeLengthMismatch {
		t.Fatalf("resultCode = %v, %v", code, err)
	}
	if _, err := resultCode("Update result garbage"); err == nil {
		t.Fatal("resultCode accepted garbage")
	}
}

func TestDefaultManifestPath(t *testing.T) {
	if got := defaultManifestPath("fw.img"); got != "fw.mfst" {
		t.Fatalf("defaultManifestPath(fw.img) = %q", got)
	}
	if got := defaultManifestPath("firmware"); got != "firmware.mfst" {
		t.Fatalf("defaultManifestPath(firmware) = %q", got)
	}
}
