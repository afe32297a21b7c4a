package nodeclient

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
)

// The three failure classes every node operation maps into. Transport errors
// are retried after backoff, not-found errors surface to the caller and
// protocol errors are logged and treated like transport errors on stream
// operations.
var (
	ErrTransport = errors.New("node transport error")
	ErrNotFound  = errors.New("not found")
	ErrProtocol  = errors.New("malformed node response")
)

// classify wraps an error from a node call into the error taxonomy. Context
// cancellation and deadlines count as transport errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransport), errors.Is(err, ErrNotFound), errors.Is(err, ErrProtocol):
		return err
	case errors.Is(err, ethereum.NotFound):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Join(ErrTransport, err)
	default:
		return errors.Join(ErrTransport, err)
	}
}

func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsProtocol(err error) bool  { return errors.Is(err, ErrProtocol) }
