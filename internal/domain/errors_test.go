package domain

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Manager.Submit", ErrNotFound, "tab 'abc'")
	want := "Manager.Submit: tab 'abc': not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Manager.CloseTab", ErrLastTab, "")
	want := "Manager.CloseTab: cannot close the last tab"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Surface.Execute", ErrCommandSpawn, "ls")
	if !errors.Is(err, ErrCommandSpawn) {
		t.Error("errors.Is should match ErrCommandSpawn")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := WrapOp("outer", NewDomainError("Surface.ChangeDirectory", ErrChangeDirectory, "/x"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Surface.ChangeDirectory" {
		t.Errorf("Op = %q, want %q", de.Op, "Surface.ChangeDirectory")
	}
}

func TestCausedError(t *testing.T) {
	cause := &fs.PathError{Op: "chdir", Path: "/nope", Err: syscall.ENOENT}
	err := NewCausedError("Surface.ChangeDirectory", ErrChangeDirectory, cause)

	assert.ErrorIs(t, err, ErrChangeDirectory)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	var pe *fs.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "/nope", pe.Path)

	assert.Equal(t, cause, CauseOf(err))
	assert.Equal(t, cause.Error(), err.Detail)
}

func TestCauseOf_NoCause(t *testing.T) {
	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, CauseOf(plain))

	de := NewDomainError("op", ErrLastTab, "")
	assert.Equal(t, error(de), CauseOf(de))
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeCommandSpawn, ErrorCodeOf(ErrCommandSpawn))
	assert.Equal(t, CodeChangeDirectory, ErrorCodeOf(ErrChangeDirectory))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeLastTab, ErrorCodeOf(ErrLastTab))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Surface.Execute", ErrCommandSpawn, "ls")
	assert.Equal(t, CodeCommandSpawn, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("handler: %w", ErrRPCInvalidPayload)
	assert.Equal(t, CodeRPCInvalidPayload, ErrorCodeOf(err))
}

func TestErrorCodeOf_GatewayAuthBeatsAuthInvalid(t *testing.T) {
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"tab not found", NewSubSystemError("tab", "Manager.Tab", ErrNotFound, "x"), CodeTabNotFound},
		{"tab limit", NewSubSystemError("tab", "Manager.OpenTab", ErrLimitReached, ""), CodeTabLimit},
		{"command timeout", NewSubSystemError("command", "LocalRunner.Run", ErrTimeout, ""), CodeCommandTimeout},
		{"empty command", NewSubSystemError("command", "Surface.Execute", ErrInvalidInput, ""), CodeEmptyCommand},
		{"unknown subsystem falls back", NewSubSystemError("other", "op", ErrNotFound, ""), CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("something else")))
}

func TestErrorCodeOf_CausedErrorUsesSentinel(t *testing.T) {
	err := NewCausedError("Surface.Execute", ErrCommandSpawn, fs.ErrNotExist)
	assert.Equal(t, CodeCommandSpawn, err.Code())
	assert.Equal(t, CodeCommandSpawn, ErrorCodeOf(err))
}
