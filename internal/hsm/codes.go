package hsm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Code is a device result code as reported by the update procedure. The
// wire representation is a 16-bit unsigned integer; it renders as a
// four-digit hex literal everywhere the gateway shows it.
type Code uint16

const (
	// CodeOK means the image was verified and activated.
	CodeOK Code = 0x0000
	// CodeManifestFormat means the manifest envelope was malformed and the
	// device refused the update before pulling any firmware.
	CodeManifestFormat Code = 0x0101
	// CodeVersionRejected means the offered firmware version is not newer
	// than the installed one.
	CodeVersionRejected Code = 0x0201
	// CodeLengthMismatch means the streamed image length differed from the
	// length declared in the manifest.
	CodeLengthMismatch Code = 0x0301
	// CodeDigestMismatch means the streamed image digest differed from the
	// digest declared in the manifest.
	CodeDigestMismatch Code = 0x0302
	// CodeAborted means the procedure was cancelled before completion.
	CodeAborted Code = 0x0401
	// CodeDeviceError means the device failed internally while applying
	// the update.
	CodeDeviceError Code = 0x0501
	// CodeNone is the gateway-side placeholder shown when no update
	// procedure produced a result for the request.
	CodeNone Code = 0xFFFF
)

//go:embed codes.json
var codesJSON []byte

var (
	codesMu    sync.RWMutex
	codesTable map[Code]string
)

func init() {
	table, err := parseCodeTable(codesJSON)
	if err != nil {
		panic(fmt.Sprintf("hsm: embedded code table: %v", err))
	}
	codesTable = table
}

func parseCodeTable(raw []byte) (map[Code]string, error) {
	var byHex map[string]string
	if err := json.Unmarshal(raw, &byHex); err != nil {
		return nil, err
	}
	table := make(map[Code]string, len(byHex))
	for key, desc := range byHex {
		code, err := ParseCode(key)
		if err != nil {
			return nil, err
		}
		table[code] = desc
	}
	return table, nil
}

// ParseCode parses the 0xNNNN form used in journals and code tables.
func ParseCode(s string) (Code, error) {
	var v uint16
	if _, err := fmt.Sscanf(s, "0x%04X", &v); err != nil {
		return 0, fmt.Errorf("parse code %q: %w", s, err)
	}
	return Code(v), nil
}

// Codes lists every code in the table in ascending order, for the code
// listing shown by hsmctl.
func Codes() []Code {
	codesMu.RLock()
	defer codesMu.RUnlock()
	out := make([]Code, 0, len(codesTable))
	for code := range codesTable {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoadCodeTable merges an external code table into the embedded one so
// deployments can describe vendor-specific result codes. Keys use the same
// 0xNNNN form as the embedded table. Call it before serving requests.
func LoadCodeTable(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read code table: %w", err)
	}
	table, err := parseCodeTable(raw)
	if err != nil {
		return fmt.Errorf("parse code table %s: %w", path, err)
	}
	codesMu.Lock()
	defer codesMu.Unlock()
	for code, desc := range table {
		codesTable[code] = desc
	}
	return nil
}

// Hex renders the code as the gateway and the journal show it.
func (c Code) Hex() string {
	return fmt.Sprintf("0x%04X", uint16(c))
}

// Describe returns the human-readable description for the code, or a
// generic fallback for codes absent from the table.
func (c Code) Describe() string {
	codesMu.RLock()
	defer codesMu.RUnlock()
	if desc, ok := codesTable[c]; ok {
		return desc
	}
	return "unrecognized device result"
}

func (c Code) String() string {
	return c.Hex() + " " + c.Describe()
}
