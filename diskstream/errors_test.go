package diskstream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestTransferError_Formatting(t *testing.T) {
	err := NewRejectedError("disk full")
	if !strings.Contains(err.Error(), "REMOTE_REJECTED") {
		t.Errorf("message missing code: %s", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("message missing reason: %s", err)
	}
	if GetErrorCode(err) != "REMOTE_REJECTED" {
		t.Errorf("code = %q", GetErrorCode(err))
	}
}

func TestTransferError_Unwrap(t *testing.T) {
	err := NewTransportError("read", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestTransferError_BuildersDoNotMutate(t *testing.T) {
	base := ErrFraming
	derived := base.WithDetail("entry", "disk.00000001").WithCause(io.EOF)
	if base.Cause != nil || len(base.Details) != 0 {
		t.Error("builder mutated the shared sentinel")
	}
	if derived.Details["entry"] != "disk.00000001" {
		t.Error("detail lost")
	}
}

func TestGetErrorCode_NonTransferError(t *testing.T) {
	if GetErrorCode(io.EOF) != "" {
		t.Error("plain errors must yield an empty code")
	}
	if IsTransferError(io.EOF) {
		t.Error("plain error misclassified")
	}
}
