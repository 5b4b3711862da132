package taskline

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes everything the store holds: the Job record itself,
// caller payloads at admission, and processor results on completion. Job
// records written by one encoder are read back by every consumer process,
// so all processes sharing a store must agree on the encoding.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. Encoding goes through the standard
// library so records stay in canonical JSON; decoding goes through sonic,
// which is where the consumer loop spends its serialization time (one
// record decode per claim plus one per list entry).
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
