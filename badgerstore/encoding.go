package badgerstore

import (
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	cloudfilter "github.com/winfsp/go-cloudfilter"
)

// Key namespace of the database:
//
//	"p:" <file id, big endian>    placeholder record (CBOR)
//	"v:schema"                    schema version (CBOR uint)
const (
	prefixPlaceholder = "p:"
	keySchema         = "v:schema"

	schemaVersion = 1
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	if encMode, err = encOptions.EncMode(); err != nil {
		panic("badgerstore: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("badgerstore: cbor decoder: " + err.Error())
	}
}

func keyPlaceholder(id cloudfilter.FileID) []byte {
	key := make([]byte, len(prefixPlaceholder)+8)
	copy(key, prefixPlaceholder)
	binary.BigEndian.PutUint64(key[len(prefixPlaceholder):], uint64(id))
	return key
}

func encodePlaceholder(p *cloudfilter.Placeholder) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "encode placeholder %d", p.ID)
	}
	return data, nil
}

func decodePlaceholder(data []byte) (*cloudfilter.Placeholder, error) {
	p := &cloudfilter.Placeholder{}
	if err := decMode.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "decode placeholder")
	}
	// Decoded times carry a fixed zone, normalize them.
	p.Metadata.CreationTime = utc(p.Metadata.CreationTime)
	p.Metadata.LastWriteTime = utc(p.Metadata.LastWriteTime)
	return p, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
