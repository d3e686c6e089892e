// Package identity persists one stable browser fingerprint per account.
//
// A fingerprint is generated the first time an account is seen and reused
// for every later session, so the account always presents the same device.
// Records are written once, atomically, and are never regenerated.
package identity

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Fingerprint is the serializable device identity of one account.
type Fingerprint struct {
	ID             string            `cbor:"id"`
	CreatedAt      time.Time         `cbor:"created_at"`
	Device         string            `cbor:"device"`
	Browser        string            `cbor:"browser"`
	BrowserVersion string            `cbor:"browser_version"`
	OS             string            `cbor:"os"`
	UserAgent      string            `cbor:"user_agent"`
	Platform       string            `cbor:"platform"`
	Locale         string            `cbor:"locale"`
	Languages      []string          `cbor:"languages"`
	Timezone       string            `cbor:"timezone,omitempty"`
	Screen         Screen            `cbor:"screen"`
	Navigator      Navigator         `cbor:"navigator"`
	WebGL          WebGL             `cbor:"webgl"`
	Fonts          []string          `cbor:"fonts"`
	NoiseSeed      uint32            `cbor:"noise_seed"`
	Headers        map[string]string `cbor:"headers,omitempty"`
}

// Screen describes the virtual display.
type Screen struct {
	Width       int     `cbor:"width"`
	Height      int     `cbor:"height"`
	AvailWidth  int     `cbor:"avail_width"`
	AvailHeight int     `cbor:"avail_height"`
	ColorDepth  int     `cbor:"color_depth"`
	PixelRatio  float64 `cbor:"pixel_ratio"`
}

// Navigator holds navigator.* values that are not derived from the UA.
type Navigator struct {
	HardwareConcurrency int    `cbor:"hardware_concurrency"`
	DeviceMemory        int    `cbor:"device_memory,omitempty"`
	MaxTouchPoints      int    `cbor:"max_touch_points"`
	Vendor              string `cbor:"vendor"`
}

// WebGL holds the unmasked WebGL vendor and renderer.
type WebGL struct {
	Vendor   string `cbor:"vendor"`
	Renderer string `cbor:"renderer"`
}

// encMode uses Core Deterministic Encoding: the same fingerprint always
// produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("identity: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("identity: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes fp.
func Encode(fp *Fingerprint) ([]byte, error) {
	if fp == nil {
		return nil, fmt.Errorf("encode fingerprint: nil")
	}
	return encMode.Marshal(fp)
}

// Decode parses a record written by Encode.
func Decode(data []byte) (*Fingerprint, error) {
	var fp Fingerprint
	if err := decMode.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	if fp.UserAgent == "" {
		return nil, fmt.Errorf("decode fingerprint: record has no user agent")
	}
	return &fp, nil
}
