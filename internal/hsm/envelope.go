package hsm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// The gateway treats the manifest as an opaque blob; the envelope layout
// below is the simulator's own structural contract, mirroring the fixed
// header real devices put in front of their signed metadata. All integers
// are big-endian.
//
//	offset 0  magic "HSMU"
//	offset 4  uint32 image length in bytes
//	offset 8  uint16 firmware version, major
//	offset 10 uint16 firmware version, minor
//	offset 12 32-byte SHA-256 of the image
//	offset 44 free-form metadata, ignored by the simulator
const (
	// EnvelopeLen is the fixed envelope size and therefore the minimum
	// valid manifest length.
	EnvelopeLen = 44

	magicLen  = 4
	digestLen = 32
)

var envelopeMagic = [magicLen]byte{'H', 'S', 'M', 'U'}

var errEnvelope = errors.New("bad manifest envelope")

// FWVersion identifies a firmware release.
type FWVersion struct {
	Major uint16
	Minor uint16
}

func (v FWVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare orders versions: negative when v is older than other, zero when
// equal, positive when newer.
func (v FWVersion) Compare(other FWVersion) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// ParseFWVersion parses the "major.minor" form used in VERSION files and
// release directory names.
func ParseFWVersion(s string) (FWVersion, error) {
	var v FWVersion
	if _, err := fmt.Sscanf(s, "%d.%d", &v.Major, &v.Minor); err != nil {
		return FWVersion{}, fmt.Errorf("parse firmware version %q: %w", s, err)
	}
	return v, nil
}

// Envelope is the decoded fixed header of a manifest.
type Envelope struct {
	ImageLen uint32
	Version  FWVersion
	Digest   [digestLen]byte
}

// ParseEnvelope decodes and structurally validates the manifest envelope.
// Signature verification is the device's business and not modeled here.
func ParseEnvelope(manifest []byte) (Envelope, error) {
	if len(manifest) < EnvelopeLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes, need at least %d", errEnvelope, len(manifest), EnvelopeLen)
	}
	if !bytes.Equal(manifest[:magicLen], envelopeMagic[:]) {
		return Envelope{}, fmt.Errorf("%w: magic %q", errEnvelope, manifest[:magicLen])
	}
	var env Envelope
	env.ImageLen = binary.BigEndian.Uint32(manifest[4:8])
	env.Version.Major = binary.BigEndian.Uint16(manifest[8:10])
	env.Version.Minor = binary.BigEndian.Uint16(manifest[10:12])
	copy(env.Digest[:], manifest[12:12+digestLen])
	return env, nil
}

// Marshal encodes the envelope. hsmctl uses it to craft manifests from
// local image files; tests use it to build fixtures.
func (e Envelope) Marshal() []byte {
	buf := make([]byte, EnvelopeLen)
	copy(buf[:magicLen], envelopeMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], e.ImageLen)
	binary.BigEndian.PutUint16(buf[8:10], e.Version.Major)
	binary.BigEndian.PutUint16(buf[10:12], e.Version.Minor)
	copy(buf[12:12+digestLen], e.Digest[:])
	return buf
}
