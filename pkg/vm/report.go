package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder setup: %v", err))
	}
	cborEncMode = em
}

// FaultReport is the structured record of an uncaught exception, returned to
// the host when the engine terminates Faulted. It carries everything a host
// needs to present or persist the failure without re-running the program.
type FaultReport struct {
	EngineID         string            `cbor:"engine_id"`
	Kind             string            `cbor:"kind"`
	Message          string            `cbor:"message"`
	Hint             string            `cbor:"hint"`
	Trace            []FrameDescriptor `cbor:"trace"`
	InstructionCount uint64            `cbor:"instruction_count"`
}

// Error makes a fault report usable as the error returned by Run.
func (r *FaultReport) Error() string {
	return fmt.Sprintf("uncaught %s: %s", r.Kind, r.Message)
}

// MarshalFaultReport serializes a report to canonical CBOR for hosts.
func MarshalFaultReport(r *FaultReport) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalFaultReport deserializes a report from CBOR bytes.
func UnmarshalFaultReport(data []byte) (*FaultReport, error) {
	var r FaultReport
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding fault report: %w", err)
	}
	return &r, nil
}
