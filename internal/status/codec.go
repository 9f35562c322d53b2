package status

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// snapshot always produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("status: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("status: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes snapshots as a CBOR array.
func Marshal(snapshots []Snapshot) ([]byte, error) {
	return encMode.Marshal(snapshots)
}

// Unmarshal decodes the output of Marshal.
func Unmarshal(data []byte) ([]Snapshot, error) {
	var snapshots []Snapshot
	if err := decMode.Unmarshal(data, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Write encodes snapshots to w.
func Write(w io.Writer, snapshots []Snapshot) error {
	return encMode.NewEncoder(w).Encode(snapshots)
}

// Diagnose returns the CBOR diagnostic notation of data, for debugging.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
