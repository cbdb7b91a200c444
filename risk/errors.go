package risk

import "errors"

var (
	ErrFeedMalformed      = errors.New("malformed feed message")
	ErrFeedStale          = errors.New("stale feed data")
	ErrQuorumInsufficient = errors.New("insufficient venue quorum")
	ErrLimitBreach        = errors.New("inventory over hard limit")
	ErrSubmissionRejected = errors.New("venue rejected order")
	ErrCancelTimeout      = errors.New("cancellation timed out")
	ErrQuotingHalted      = errors.New("quoting halted by control plane")
)
