package invoke

import (
	"github.com/osdi23p228/fabric-protos-go/peer"
)

// Endpoint identifies the peer a response or event came from.
type Endpoint struct {
	Address string
	MSPID   string
}

// Response is the outcome of sending a proposal to one endorser. Exactly one
// of the two kinds is held: a valid endorsement, or an error from the
// endorser or from the transport used to reach it.
type Response struct {
	Endpoint Endpoint
	Status   int32

	// Valid responses
	Payload          []byte
	ProposalResponse *peer.ProposalResponse

	// Invalid responses
	Message string
	Err     error
}

// NewValidResponse wraps an endorsement returned by a peer.
func NewValidResponse(endpoint Endpoint, resp *peer.ProposalResponse) *Response {
	r := &Response{
		Endpoint:         endpoint,
		ProposalResponse: resp,
	}
	if resp.GetResponse() != nil {
		r.Status = resp.Response.Status
		r.Payload = resp.Response.Payload
	}
	return r
}

// NewInvalidResponse records a failed endorsement. status is zero when the
// peer could not be reached.
func NewInvalidResponse(endpoint Endpoint, status int32, err error) *Response {
	return &Response{
		Endpoint: endpoint,
		Status:   status,
		Message:  err.Error(),
		Err:      err,
	}
}

// Valid reports whether the response carries an endorsement.
func (r *Response) Valid() bool {
	return r.Err == nil
}

// ResponseSet is the partition of endorsement responses produced by Classify.
type ResponseSet struct {
	Valid   []*Response
	Invalid []*Response
}

// Classify partitions responses into valid and invalid ones, preserving the
// order in which they were received. It fails if there is no valid response.
// No verification of the endorsements themselves is done here.
func Classify(responses []*Response) (*ResponseSet, error) {
	if len(responses) == 0 {
		return nil, ErrNoResponses
	}

	set := &ResponseSet{}
	for _, r := range responses {
		if r.Valid() {
			set.Valid = append(set.Valid, r)
		} else {
			set.Invalid = append(set.Invalid, r)
		}
	}

	if len(set.Valid) == 0 {
		return nil, &NoValidResponsesError{Invalid: set.Invalid}
	}

	return set, nil
}
