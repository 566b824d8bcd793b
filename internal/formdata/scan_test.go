package formdata

import (
	"bytes"
	"strings"
	"testing"
)

func buildPart(t *testing.T, boundary, disposition, payload string) []byte {
	t.Helper()
	var b bytes.Buffer
	b.WriteString(boundary)
	b.WriteString("\r\n")
	b.WriteString(disposition)
	b.WriteString("\r\n")
	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("\r\n")
	b.WriteString(payload)
	return b.Bytes()
}

func TestScanRoundTrip(t *testing.T) {
	payload := "opaque manifest bytes"
	buf := buildPart(t, "--gate7f3a", `Content-Disposition: form-data; name="manifest"; filename="fw.mfst"`, payload)

	part, ok := Scan(buf)
	if !ok {
		t.Fatalf("Scan failed on well-formed part")
	}
	if got, want := string(part.Boundary), "--gate7f3a"; got != want {
		t.Fatalf("Boundary = %q, want %q", got, want)
	}
	if got, want := part.FieldName, "manifest"; got != want {
		t.Fatalf("FieldName = %q, want %q", got, want)
	}
	if got, want := part.FileName, "fw.mfst"; got != want {
		t.Fatalf("FileName = %q, want %q", got, want)
	}
	if got := string(buf[part.PayloadOffset:]); got != payload {
		t.Fatalf("payload from offset = %q, want %q", got, payload)
	}
}

func TestScanOptionalFilename(t *testing.T) {
	buf := buildPart(t, "--b", `Content-Disposition: form-data; name="data"`, "xyz")
	part, ok := Scan(buf)
	if !ok {
		t.Fatalf("Scan failed")
	}
	if part.FieldName != "data" {
		t.Fatalf("FieldName = %q, want %q", part.FieldName, "data")
	}
	if part.FileName != "" {
		t.Fatalf("FileName = %q, want empty", part.FileName)
	}
}

func TestScanCaseInsensitiveHeader(t *testing.T) {
	buf := buildPart(t, "--b", `CONTENT-DISPOSITION: form-data; NAME="x"; name="manifest"`, "p")
	part, ok := Scan(buf)
	if !ok {
		t.Fatalf("Scan failed on upper-case header")
	}
	if part.FieldName != "manifest" {
		t.Fatalf("FieldName = %q, want %q", part.FieldName, "manifest")
	}
}

func TestScanMissingTokens(t *testing.T) {
	full := buildPart(t, "--b", `Content-Disposition: form-data; name="manifest"`, "payload")
	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"no dashes", []byte("boundary\r\n")},
		{"one dash", []byte("-")},
		{"unterminated boundary line", []byte("--bnd")},
		{"no disposition", []byte("--b\r\nContent-Type: text/plain\r\n\r\nx")},
		{"disposition without name", []byte("--b\r\nContent-Disposition: form-data\r\n\r\nx")},
		{"filename only", []byte("--b\r\nContent-Disposition: form-data; filename=\"x\"\r\n\r\nx")},
		{"unclosed name quote", []byte("--b\r\nContent-Disposition: form-data; name=\"manifest\r\n\r\nx")},
		{"no blank line", full[:bytes.Index(full, []byte("\r\n\r\n"))+2]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := Scan(tc.buf); ok {
				t.Fatalf("Scan = ok, want not found")
			}
		})
	}
}

func TestScanNeverReadsPastTruncation(t *testing.T) {
	full := buildPart(t, "--gate", `Content-Disposition: form-data; name="data"; filename="a.img"`, "firmware")
	complete := bytes.Index(full, []byte("\r\n\r\n")) + 4
	for cut := 0; cut < complete; cut++ {
		if _, ok := Scan(full[:cut]); ok {
			t.Fatalf("Scan succeeded on %d-byte truncation, want not found", cut)
		}
	}
	if _, ok := Scan(full[:complete]); !ok {
		t.Fatalf("Scan failed once headers complete")
	}
}

func TestQuotedParamSeparators(t *testing.T) {
	line := []byte(`Content-Disposition: form-data; filename="f.bin"; name="data"`)
	name, ok := quotedParam(line, "name")
	if !ok || string(name) != "data" {
		t.Fatalf("quotedParam(name) = %q, %v; want %q, true", name, ok, "data")
	}
	file, ok := quotedParam(line, "filename")
	if !ok || string(file) != "f.bin" {
		t.Fatalf("quotedParam(filename) = %q, %v; want %q, true", file, ok, "f.bin")
	}
	if _, ok := quotedParam([]byte(strings.ReplaceAll(string(line), ` name=`, ` xname=`)), "name"); ok {
		t.Fatalf("quotedParam matched key embedded in another parameter")
	}
}
