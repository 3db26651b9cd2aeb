package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrMalformedResponse means a provider answered with an unusable body.
	ErrMalformedResponse = errors.New("malformed classifier response")

	// ErrNoCategory means a response parsed but carried no category.
	ErrNoCategory = errors.New("classifier response has no category")

	// ErrMissingAPIKey is returned when a remote provider is enabled without a key.
	ErrMissingAPIKey = errors.New("api key is required")
)

// ErrorKind tags why a classifier did not contribute a vote.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindAbstain   ErrorKind = "abstain"
	KindTimeout   ErrorKind = "timeout"
	KindCanceled  ErrorKind = "canceled"
	KindTransient ErrorKind = "transient"
	KindMalformed ErrorKind = "malformed"
	KindProvider  ErrorKind = "provider"
)

// Outcome is the typed result of one classifier call.
type Outcome struct {
	Producer string
	Vote     *domain.ClassificationVote
	Err      error
	Kind     ErrorKind
	Latency  time.Duration
}

// OK reports whether the call produced a vote.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Vote != nil
}

// Votes returns the successful votes in classifier order.
func Votes(outcomes []Outcome) []domain.ClassificationVote {
	votes := make([]domain.ClassificationVote, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK() {
			votes = append(votes, *o.Vote)
		}
	}
	return votes
}

// Failures counts outcomes that ended in an error.
func Failures(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

func newOutcome(producer string, vote *domain.ClassificationVote, err error, latency time.Duration) Outcome {
	o := Outcome{Producer: producer, Err: err, Latency: latency}
	switch {
	case err != nil:
		o.Kind = kindOf(err)
	case vote == nil:
		o.Kind = KindAbstain
	default:
		v := *vote
		v.Producer = producer
		o.Vote = &v
	}
	return o
}

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrNoCategory):
		return KindMalformed
	case IsTransient(err):
		return KindTransient
	default:
		return KindProvider
	}
}
