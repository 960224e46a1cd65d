package control

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/firewatch/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/firewatch/internal/dispatch"
	"github.com/nextlevelbuilder/firewatch/internal/recipients"
	"github.com/nextlevelbuilder/firewatch/internal/store"
	"github.com/nextlevelbuilder/firewatch/internal/telephony"
	"github.com/nextlevelbuilder/firewatch/pkg/protocol"
)

// Error is an operator-facing error with a stable code from pkg/protocol.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the protocol code carried by err, or ErrInternal.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return protocol.ErrInternal
}

// codeTable maps domain sentinels onto protocol codes. First match wins.
var codeTable = []struct {
	target error
	code   string
}{
	{whatsapp.ErrInvalidMethod, protocol.ErrInvalidRequest},
	{whatsapp.ErrInvalidPhone, protocol.ErrInvalidRequest},
	{recipients.ErrInvalidPhone, protocol.ErrInvalidRequest},
	{store.ErrNameTooLong, protocol.ErrInvalidRequest},
	{whatsapp.ErrAlreadyActive, protocol.ErrFailedPrecondition},
	{whatsapp.ErrNoSession, protocol.ErrNotLinked},
	{whatsapp.ErrNotConnected, protocol.ErrNotLinked},
	{dispatch.ErrChatNotReady, protocol.ErrNotLinked},
	{dispatch.ErrRecipientNotFound, protocol.ErrNotFound},
	{telephony.ErrUnverifiedNumber, protocol.ErrUnverifiedNumber},
	{telephony.ErrNotConfigured, protocol.ErrFailedPrecondition},
	{whatsapp.ErrStopped, protocol.ErrUnavailable},
	{errRateLimited, protocol.ErrUnavailable},
}

var errRateLimited = errors.New("too many requests, try again shortly")

// wrap attaches a protocol code to err. nil stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	code := protocol.ErrInternal
	for _, row := range codeTable {
		if errors.Is(err, row.target) {
			code = row.code
			break
		}
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	if code == protocol.ErrUnverifiedNumber {
		msg += " (verify the number with the telephony provider or upgrade the account)"
	}
	return &Error{Code: code, Message: msg, Err: err}
}
