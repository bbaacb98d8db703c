package document

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cosim-robotics/coreplane/internal/document/rga"
)

const docMagic = "D1"

// wireDoc is the on-disk envelope for docs:{doc_id}: a magic tag plus
// the full RGA op log, matching the frame/snapshot envelope shape used
// by the simulation codec.
type wireDoc struct {
	Magic string   `msgpack:"magic"`
	Ops   []rga.Op `msgpack:"ops"`
}

func encodeDoc(ops []rga.Op) ([]byte, error) {
	return msgpack.Marshal(&wireDoc{Magic: docMagic, Ops: ops})
}

func decodeDoc(payload []byte) ([]rga.Op, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var w wireDoc
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode document snapshot: %w", err)
	}
	if w.Magic != docMagic {
		return nil, fmt.Errorf("decode document snapshot: bad magic %q", w.Magic)
	}
	return w.Ops, nil
}
