package control

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype clients negotiate; the server picks the
// codec from the request header, so both sides resolve to this one.
const codecName = "cbor"

// cborCodec adapts fxamacker/cbor to the grpc encoding.Codec interface.
// Core Deterministic Encoding keeps identical payloads byte-identical,
// which makes wire captures comparable across runs.
type cborCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

func init() {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("control: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("control: CBOR decoder initialization failed: " + err.Error())
	}
	encoding.RegisterCodec(cborCodec{encMode: encMode, decMode: decMode})
}

func (c cborCodec) Marshal(v interface{}) ([]byte, error) {
	return c.encMode.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v interface{}) error {
	return c.decMode.Unmarshal(data, v)
}

func (c cborCodec) Name() string {
	return codecName
}
