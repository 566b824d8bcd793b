// Package formdata provides an incremental scanner for multipart/form-data
// bodies delivered as arbitrary transport segments. It only ever inspects the
// byte span it is handed; reassembly of tokens split across deliveries is the
// caller's responsibility.
package formdata

import "bytes"

const (
	// MaxBoundaryLen bounds the boundary token including the leading
	// dashes. RFC 2046 limits the boundary itself to 70 characters.
	MaxBoundaryLen = 72

	// MaxBoundaryLine is the longest acceptable first line of a body,
	// boundary token plus CRLF.
	MaxBoundaryLine = MaxBoundaryLen + 2
)

var (
	crlf          = []byte("\r\n")
	crlfcrlf      = []byte("\r\n\r\n")
	dispositionLC = []byte("content-disposition:")
)

// Part describes the opening of one multipart/form-data part: the boundary
// token that introduced it, the form field name, the optional client-side
// file name, and the index of the first payload byte.
//
// Boundary aliases the scanned buffer; callers that outlive the buffer must
// copy it.
type Part struct {
	Boundary      []byte
	FieldName     string
	FileName      string
	PayloadOffset int
}

// Scan examines buf for a complete part opening: a boundary line, a
// Content-Disposition header carrying a quoted name, and the blank line that
// separates part headers from payload. It never reads past len(buf). Any
// missing token yields ok == false; no field of the returned Part may be
// used in that case.
func Scan(buf []byte) (Part, bool) {
	if len(buf) < 2 || buf[0] != '-' || buf[1] != '-' {
		return Part{}, false
	}
	eol := bytes.Index(buf, crlf)
	if eol < 0 {
		return Part{}, false
	}
	part, ok := scanHeaders(buf[eol+2:])
	if !ok {
		return Part{}, false
	}
	part.Boundary = buf[:eol]
	part.PayloadOffset += eol + 2
	return part, true
}

func scanHeaders(buf []byte) (Part, bool) {
	disp := indexFold(buf, dispositionLC)
	if disp < 0 {
		return Part{}, false
	}
	lineEnd := bytes.Index(buf[disp:], crlf)
	if lineEnd < 0 {
		return Part{}, false
	}
	line := buf[disp : disp+lineEnd]
	name, ok := quotedParam(line, "name")
	if !ok {
		return Part{}, false
	}
	fileName, _ := quotedParam(line, "filename")
	blank := bytes.Index(buf[disp:], crlfcrlf)
	if blank < 0 {
		return Part{}, false
	}
	return Part{
		FieldName:     string(name),
		FileName:      string(fileName),
		PayloadOffset: disp + blank + len(crlfcrlf),
	}, true
}

// quotedParam extracts the quoted value of key from a header line. The key
// must start the line or follow a separator so that name= inside filename=
// is never confused with the name parameter itself.
func quotedParam(line []byte, key string) ([]byte, bool) {
	pat := []byte(key + `="`)
	for i := 0; i+len(pat) <= len(line); i++ {
		if !bytes.HasPrefix(line[i:], pat) {
			continue
		}
		if i > 0 {
			switch line[i-1] {
			case ' ', ';', '\t':
			default:
				continue
			}
		}
		rest := line[i+len(pat):]
		j := bytes.IndexByte(rest, '"')
		if j < 0 {
			return nil, false
		}
		return rest[:j], true
	}
	return nil, false
}

// indexFold is a case-insensitive bytes.Index for ASCII needles.
func indexFold(buf, needleLC []byte) int {
	if len(needleLC) == 0 || len(buf) < len(needleLC) {
		return -1
	}
	for i := 0; i+len(needleLC) <= len(buf); i++ {
		if matchFold(buf[i:i+len(needleLC)], needleLC) {
			return i
		}
	}
	return -1
}

func matchFold(span, needleLC []byte) bool {
	for i, c := range span {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != needleLC[i] {
			return false
		}
	}
	return true
}
