package invoke

import (
	"fmt"
	"strings"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyInvoked is returned when Submit or Evaluate is called on a
	// transaction that has already been submitted or evaluated.
	ErrAlreadyInvoked = errors.New("transaction has already been invoked")

	// ErrNoResponses is returned when the endorsement step produced no responses at all.
	ErrNoResponses = errors.New("no results were returned from the request")
)

// InvalidArgumentError reports transaction arguments that are not text.
type InvalidArgumentError struct {
	Values []interface{}
}

func (e *InvalidArgumentError) Error() string {
	values := make([]string, len(e.Values))
	for i, v := range e.Values {
		values[i] = fmt.Sprintf("%v (%T)", v, v)
	}
	return "transaction parameters must be strings: " + strings.Join(values, ", ")
}

// NoValidResponsesError is returned when every endorsement response was an error.
type NoValidResponsesError struct {
	Invalid []*Response
}

func (e *NoValidResponsesError) Error() string {
	messages := make([]string, len(e.Invalid))
	for i, r := range e.Invalid {
		messages[i] = r.Message
	}
	return "no valid responses from any peers. Errors:\n" + strings.Join(messages, "\n")
}

// CommitRejectedError is returned when the ordering service does not accept
// the endorsed transaction.
type CommitRejectedError struct {
	TxID   string
	Status common.Status
	Info   string
}

func (e *CommitRejectedError) Error() string {
	msg := fmt.Sprintf("failed to send transaction %s to the orderer, status %s", e.TxID, e.Status)
	if e.Info != "" {
		msg += ": " + e.Info
	}
	return msg
}

// ConfirmationError is returned by commit strategies when the transaction
// was not confirmed, either because a peer reported it invalid or because
// the wait timed out.
type ConfirmationError struct {
	TxID    string
	Peer    string
	Code    peer.TxValidationCode
	Timeout time.Duration
	Cause   error
}

func (e *ConfirmationError) Error() string {
	switch {
	case e.Timeout > 0:
		return fmt.Sprintf("timed out after %s waiting for commit of transaction %s", e.Timeout, e.TxID)
	case e.Cause != nil:
		return fmt.Sprintf("commit of transaction %s not confirmed: %s", e.TxID, e.Cause)
	default:
		return fmt.Sprintf("peer %s has rejected transaction %s with code %s", e.Peer, e.TxID, e.Code)
	}
}

func (e *ConfirmationError) Unwrap() error {
	return e.Cause
}
