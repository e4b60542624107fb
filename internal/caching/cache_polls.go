package caching

import "github.com/element-hq/pollserver/pollapi/types"

// PollCache is the interface the lifecycle service uses to keep the cached
// view of a poll consistent with the store. Invalidation is best-effort: a
// missed invalidation means a stale read until the entry ages out, never an
// incorrect write.
type PollCache interface {
	GetPoll(pollID string) (*types.Poll, bool)
	StorePoll(poll *types.Poll)
	GetPollResults(pollID string) (types.Results, bool)
	StorePollResults(pollID string, results types.Results)
	InvalidatePoll(pollID string)
}

func (c Caches) GetPoll(pollID string) (*types.Poll, bool) {
	return c.Polls.Get(pollID)
}

func (c Caches) StorePoll(poll *types.Poll) {
	c.Polls.Set(poll.ID, poll)
}

func (c Caches) GetPollResults(pollID string) (types.Results, bool) {
	return c.PollResults.Get(pollID)
}

func (c Caches) StorePollResults(pollID string, results types.Results) {
	c.PollResults.Set(pollID, results)
}

// InvalidatePoll drops both the poll and its tallies.
func (c Caches) InvalidatePoll(pollID string) {
	c.Polls.Unset(pollID)
	c.PollResults.Unset(pollID)
}
