package facade

import (
	"errors"
	"testing"

	"github.com/backkem/matter/pkg/im"
	imsg "github.com/backkem/matter/pkg/im/message"
)

func TestCheckCommandResult_BareSuccessIsUnit(t *testing.T) {
	if err := checkCommandResult(nil, false); err != nil {
		t.Errorf("checkCommandResult(nil, false) = %v, want nil", err)
	}
}

func TestCheckCommandResult_StatusPresentSuccess(t *testing.T) {
	resp := &imsg.InvokeResponseMessage{
		InvokeResponses: []imsg.InvokeResponseIB{
			{Status: &imsg.CommandStatusIB{Status: imsg.StatusIB{Status: imsg.StatusSuccess}}},
		},
	}
	if err := checkCommandResult(resp, false); err != nil {
		t.Errorf("checkCommandResult() = %v, want nil", err)
	}
}

func TestCheckCommandResult_StatusPresentFailure(t *testing.T) {
	resp := &imsg.InvokeResponseMessage{
		InvokeResponses: []imsg.InvokeResponseIB{
			{Status: &imsg.CommandStatusIB{Status: imsg.StatusIB{Status: imsg.StatusFailure}}},
		},
	}
	err := checkCommandResult(resp, false)
	if err == nil {
		t.Fatal("checkCommandResult() = nil, want error for a failure status")
	}
	var invokeErr *im.InvokeError
	if !errors.As(err, &invokeErr) {
		t.Errorf("checkCommandResult() error = %v, want *im.InvokeError", err)
	} else if invokeErr.Code != imsg.StatusFailure {
		t.Errorf("InvokeError.Code = %v, want %v", invokeErr.Code, imsg.StatusFailure)
	}
}

func TestCheckCommandResult_ResponsePresent(t *testing.T) {
	resp := &imsg.InvokeResponseMessage{
		InvokeResponses: []imsg.InvokeResponseIB{
			{Command: &imsg.CommandDataIB{Fields: []byte{0x01}}},
		},
	}
	if err := checkCommandResult(resp, false); err != nil {
		t.Errorf("checkCommandResult() = %v, want nil", err)
	}
}

func TestCheckCommandResult_NeitherPresentRequiredFailsWithProtocolError(t *testing.T) {
	resp := &imsg.InvokeResponseMessage{
		InvokeResponses: []imsg.InvokeResponseIB{{}},
	}
	err := checkCommandResult(resp, false)
	if err == nil {
		t.Fatal("checkCommandResult() = nil, want protocol error")
	}
	var protoErr *im.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("checkCommandResult() error = %v, want *im.ProtocolError", err)
	}
}

func TestCheckCommandResult_NeitherPresentOptionalIsUnit(t *testing.T) {
	resp := &imsg.InvokeResponseMessage{
		InvokeResponses: []imsg.InvokeResponseIB{{}},
	}
	if err := checkCommandResult(resp, true); err != nil {
		t.Errorf("checkCommandResult(resp, true) = %v, want nil for an optional command", err)
	}
}
