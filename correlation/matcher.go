package correlation

import (
	"context"

	"github.com/get-eventually/go-correlator/message"
)

// Matcher finds the receive Message Instances that correlate with
// a send Message Instance.
type Matcher struct {
	Extractor Extractor
}

// Candidates returns all the receive Message Instances, among the provided
// ones, that match the send Message Instance with the given correlation Value,
// in creation order (oldest first).
//
// A candidate qualifies if it is a ready receive Instance, its message name
// is compatible with the send message name, and its correlation values
// are equal to the send ones for every shared property.
// Candidates whose correlation values cannot be extracted are skipped.
func (m Matcher) Candidates(
	ctx context.Context,
	send message.Instance,
	sendValue Value,
	candidates []message.Instance,
) []message.Instance {
	registry := m.Extractor.Registry

	var matches []message.Instance

	for _, candidate := range candidates {
		if candidate.Status != message.StatusReady || candidate.Direction != message.Receive {
			continue
		}

		if !registry.Compatible(send.Name, candidate.Name) {
			continue
		}

		candidateValue, err := m.Extractor.Extract(ctx, candidate)
		if err != nil {
			continue
		}

		shared := registry.SharedProperties(send.Name, candidate.Name)
		if !sendValue.Matches(candidateValue, shared) {
			continue
		}

		matches = append(matches, candidate)
	}

	message.SortByCreation(matches)

	return matches
}

// FindMatch returns the oldest receive Message Instance matching the send
// Message Instance, if any.
//
// An *ExtractionError is returned if the correlation Value of the send
// Message Instance cannot be computed.
func (m Matcher) FindMatch(
	ctx context.Context,
	send message.Instance,
	candidates []message.Instance,
) (message.Instance, bool, error) {
	sendValue, err := m.Extractor.Extract(ctx, send)
	if err != nil {
		return message.Instance{}, false, err
	}

	matches := m.Candidates(ctx, send, sendValue, candidates)
	if len(matches) == 0 {
		return message.Instance{}, false, nil
	}

	return matches[0], true, nil
}
