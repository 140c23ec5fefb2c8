package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"explicit validation", Validation("submit", "bad run count %d", 0), KindValidation},
		{"explicit wrapped", fmt.Errorf("outer: %w", New(KindConfiguration, "exec", errors.New("missing"))), KindConfiguration},
		{"invalid transition sentinel", fmt.Errorf("finish run: %w", ErrInvalidTransition), KindInvalidTransition},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransient},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, KindTransient},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), KindTransient},
		{"plain error", errors.New("harness exploded"), KindExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindTransient, "harness.start", errors.New("connection reset"))
	assert.Equal(t, "harness.start: transient: connection reset", err.Error())

	bare := &Error{Kind: KindDecode, Err: errors.New("bad json")}
	assert.Equal(t, "decode: bad json", bare.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTransient, "", errors.New("x"))))
	assert.False(t, IsRetryable(New(KindExecution, "", errors.New("x"))))
	assert.False(t, IsRetryable(Validation("", "x")))
	assert.False(t, IsRetryable(nil))
}
