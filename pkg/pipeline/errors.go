package pipeline

import (
	"context"
	"errors"
	"os"

	"github.com/spmt-unicamp/spmtcal/pkg/artifacts"
	"github.com/spmt-unicamp/spmtcal/pkg/bridge"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/extool"
	"github.com/spmt-unicamp/spmtcal/pkg/link"
	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// ErrorKind groups the errors that can end a run.
type ErrorKind string

const (
	KindLinkError           ErrorKind = "LinkError"
	KindProtocolParseError  ErrorKind = "ProtocolParseError"
	KindToleranceViolation  ErrorKind = "ToleranceViolation"
	KindExternalToolFailure ErrorKind = "ExternalToolFailure"
	KindConfigMismatch      ErrorKind = "ConfigMismatch"
	KindTimeout             ErrorKind = "Timeout"
	KindCancelled           ErrorKind = "Cancelled"
	KindInternal            ErrorKind = "Internal"
)

// Classify returns the kind of err. Cancellation wins over everything else.
func Classify(err error) ErrorKind {
	var (
		parseErr *bridge.ParseError
		violErr  *ViolationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, wait.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &violErr):
		return KindToleranceViolation
	case errors.Is(err, link.ErrNotConnected), errors.Is(err, link.ErrIO):
		return KindLinkError
	case errors.As(err, &parseErr):
		return KindProtocolParseError
	case errors.Is(err, bridge.ErrChannelCountMismatch), errors.Is(err, config.ErrInvalid):
		return KindConfigMismatch
	case errors.Is(err, extool.ErrLaunch), errors.Is(err, artifacts.ErrMalformed), errors.Is(err, os.ErrNotExist):
		return KindExternalToolFailure
	}
	return KindInternal
}
