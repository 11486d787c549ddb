package protocol

import "fmt"

const maxPayloadSample = 256

// MalformedEventError describes a data-channel payload that could not be
// decoded. It is telemetry only and never surfaced to the user.
type MalformedEventError struct {
	Reason  string
	Payload []byte
	Err     error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func malformed(reason string, payload []byte, err error) Malformed {
	sample := payload
	if len(sample) > maxPayloadSample {
		sample = sample[:maxPayloadSample]
	}
	return Malformed{Err: &MalformedEventError{
		Reason:  reason,
		Payload: append([]byte(nil), sample...),
		Err:     err,
	}}
}
