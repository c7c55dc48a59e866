package collab

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type EncoderVersion uint8

const (
	EncoderVersionV1 EncoderVersion = 1
)

var ErrUnsupportedEncoding = errors.New("unsupported encoded collab")

// EncodedCollab is the persisted form of a replica.
type EncodedCollab struct {
	StateVector []byte         `msgpack:"state_vector"`
	DocState    []byte         `msgpack:"doc_state"`
	Version     EncoderVersion `msgpack:"version"`
}

func (e *EncodedCollab) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

// DecodeEncodedCollab parses bytes written by Encode.
func DecodeEncodedCollab(data []byte) (*EncodedCollab, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedEncoding)
	}
	var e EncodedCollab
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	if e.Version != EncoderVersionV1 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedEncoding, e.Version)
	}
	return &e, nil
}
