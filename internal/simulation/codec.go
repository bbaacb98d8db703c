package simulation

import (
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// frameMagic tags the wire envelope so a misrouted or stale payload is
// rejected instead of silently decoded as zero values (spec.md §6).
const frameMagic = "F1"

// wireFrame is the msgpack envelope published on frames:{session_id}.
// Kept distinct from Frame so the wire shape can evolve without
// disturbing the in-process type.
type wireFrame struct {
	Magic      string  `msgpack:"magic"`
	SessionID  string  `msgpack:"session_id"`
	FrameIndex int64   `msgpack:"frame_index"`
	SimTime    float64 `msgpack:"sim_time"`
	Image      []byte  `msgpack:"image"`
}

// EncodeFrame is the exported form of encodeFrame, for the gateway's
// WS handler to serialize a frame the same way the fanout hub does
// before writing it to the client's binary stream.
func EncodeFrame(f Frame) ([]byte, error) { return encodeFrame(f) }

func encodeFrame(f Frame) ([]byte, error) {
	w := wireFrame{
		Magic:      frameMagic,
		SessionID:  f.SessionID,
		FrameIndex: f.FrameIndex,
		SimTime:    f.SimTime,
		Image:      f.Image,
	}
	return msgpack.Marshal(&w)
}

func decodeFrame(payload []byte) (Frame, error) {
	var w wireFrame
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if w.Magic != frameMagic {
		return Frame{}, fmt.Errorf("decode frame: bad magic %q", w.Magic)
	}
	return Frame{
		SessionID:  w.SessionID,
		FrameIndex: w.FrameIndex,
		SimTime:    w.SimTime,
		Image:      w.Image,
	}, nil
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(&s)
}

func decodeSnapshot(payload []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(payload, &s)
	return s, err
}

func encodeExecResult(r ExecutionResult) ([]byte, error) {
	return msgpack.Marshal(&r)
}

func encodeSession(s Session) ([]byte, error) {
	return msgpack.Marshal(&s)
}

func decodeSession(payload []byte) (Session, error) {
	var s Session
	err := msgpack.Unmarshal(payload, &s)
	return s, err
}

// decodeStreamFrame reconstructs a Frame from a substrate.StreamEntry's
// string-valued field map, the format StreamAdd writes frames in for
// the bounded ring buffer (spec.md §4.1, §4.2).
func decodeStreamFrame(e substrate.StreamEntry) (Frame, error) {
	idx, err := strconv.ParseInt(e.Values["frame_index"], 10, 64)
	if err != nil {
		return Frame{}, err
	}
	simTime, err := strconv.ParseFloat(e.Values["sim_time"], 64)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		SessionID:  e.Values["session_id"],
		FrameIndex: idx,
		SimTime:    simTime,
		Image:      []byte(e.Values["image"]),
	}, nil
}
