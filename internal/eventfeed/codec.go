package eventfeed

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Encoding selects the wire format of a subscriber.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding maps the ?encoding= query value. Empty means JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "cbor":
		return EncodingCBOR, nil
	}
	return "", fmt.Errorf("eventfeed: unknown encoding %q", s)
}

// encMode uses Core Deterministic Encoding so equal events encode to equal
// bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("eventfeed: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("eventfeed: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(enc Encoding, ev Event) ([]byte, error) {
	if enc == EncodingCBOR {
		return encMode.Marshal(ev)
	}
	return json.Marshal(ev)
}

// Decode reads one frame written in enc. Subscribers written in Go use it.
func Decode(enc Encoding, data []byte, ev *Event) error {
	if enc == EncodingCBOR {
		return decMode.Unmarshal(data, ev)
	}
	return json.Unmarshal(data, ev)
}
