package log

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Limits applied when reading trace files. A corrupt or truncated file
// fails on the first bad record instead of allocating without bound.
const (
	maxTraceNesting  = 8
	maxTraceMapPairs = 64
	maxTraceElements = 1024
)

// traceCodec is the CBOR profile of trace files: canonical key order and
// tagged RFC3339Nano timestamps on write, unknown and duplicate keys
// tolerated on read.
type traceCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var loadTraceCodec = sync.OnceValues(func() (*traceCodec, error) {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
		TimeTag:       cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("trace encoder mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyQuiet,
		IndefLength:      cbor.IndefLengthAllowed,
		TimeTag:          cbor.DecTagOptional,
		MaxNestedLevels:  maxTraceNesting,
		MaxMapPairs:      maxTraceMapPairs,
		MaxArrayElements: maxTraceElements,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("trace decoder mode: %w", err)
	}
	return &traceCodec{enc: enc, dec: dec}, nil
})

// MarshalEvent encodes one trace record.
func MarshalEvent(event Event) ([]byte, error) {
	c, err := loadTraceCodec()
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(event)
}

// UnmarshalEvent decodes one trace record.
func UnmarshalEvent(data []byte) (Event, error) {
	c, err := loadTraceCodec()
	if err != nil {
		return Event{}, err
	}
	var event Event
	if err := c.dec.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decode trace event: %w", err)
	}
	return event, nil
}

func newTraceEncoder(w io.Writer) (*cbor.Encoder, error) {
	c, err := loadTraceCodec()
	if err != nil {
		return nil, err
	}
	return c.enc.NewEncoder(w), nil
}

func newTraceDecoder(r io.Reader) (*cbor.Decoder, error) {
	c, err := loadTraceCodec()
	if err != nil {
		return nil, err
	}
	return c.dec.NewDecoder(r), nil
}
