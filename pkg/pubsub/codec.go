package pubsub

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes channel payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Times are tagged so they decode back into time.Time with their
	// location offset and nanoseconds intact.
	cborEnc, err = cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
		Sort:    cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		TimeTag:           cbor.DecTagRequired,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBORCodec is the default broker codec. Unlike JSON it keeps time values,
// explicit nulls and nested values lossless, and rejects unknown fields.
type CBORCodec struct{}

func (CBORCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }
func (CBORCodec) Name() string                       { return "cbor" }

// JSONCodec is used for transports whose wire format is JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }
