package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ripple/internal/event"
)

type MemoryLogSuite struct {
	suite.Suite
	log *MemoryLog
	ctx context.Context
}

func TestMemoryLogSuite(t *testing.T) {
	suite.Run(t, new(MemoryLogSuite))
}

func (s *MemoryLogSuite) SetupTest() {
	s.log = NewMemoryLog()
	s.ctx = context.Background()
}

func (s *MemoryLogSuite) append(key string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.log.Append(s.ctx, key, event.Event{
			Entity:   "movies",
			Op:       event.OpCreate,
			Payload:  event.Fields{"id": i},
			SourceTS: time.Now(),
		})
		s.Require().NoError(err)
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryLogSuite) TestAppendAssignsIncreasingIDs() {
	ids := s.append("movies", 5)
	for i := 1; i < len(ids); i++ {
		s.Greater(ids[i], ids[i-1])
	}
}

func (s *MemoryLogSuite) TestReadGroupDeliversInOrderAcrossReads() {
	ids := s.append("movies", 6)
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "cache", "movies"))

	var seen []string
	for i := 0; i < 3; i++ {
		entries, err := s.log.ReadGroup(s.ctx, "cache", "member-1", "movies", 2, 0)
		s.Require().NoError(err)
		for _, e := range entries {
			seen = append(seen, e.ID)
		}
	}
	s.Equal(ids, seen)
	for i := 1; i < len(seen); i++ {
		s.Greater(seen[i], seen[i-1])
	}
}

func (s *MemoryLogSuite) TestAckShrinksPending() {
	s.append("movies", 3)
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "cache", "movies"))

	entries, err := s.log.ReadGroup(s.ctx, "cache", "member-1", "movies", 10, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)

	n, err := s.log.Pending(s.ctx, "cache", "movies")
	s.Require().NoError(err)
	s.Equal(int64(3), n)

	s.Require().NoError(s.log.Ack(s.ctx, "cache", "movies", entries[0].ID))
	n, err = s.log.Pending(s.ctx, "cache", "movies")
	s.Require().NoError(err)
	s.Equal(int64(2), n)
}

func (s *MemoryLogSuite) TestUnackedEntriesSurviveForRedelivery() {
	s.append("movies", 2)
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "cache", "movies"))

	// member-1 reads but never acks; simulates a crash mid-batch.
	entries, err := s.log.ReadGroup(s.ctx, "cache", "member-1", "movies", 10, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)

	// A restart of member-1 drains its own pending list.
	pending, err := s.log.ReadPending(s.ctx, "cache", "member-1", "movies", 10)
	s.Require().NoError(err)
	s.Len(pending, 2)
	s.Equal(entries[0].ID, pending[0].ID)

	// A peer takes the same entries over once they look stale.
	claimed, err := s.log.Claim(s.ctx, "cache", "member-2", "movies", 0, 10)
	s.Require().NoError(err)
	s.Len(claimed, 2)

	// The entries now belong to member-2's pending list.
	pending, err = s.log.ReadPending(s.ctx, "cache", "member-1", "movies", 10)
	s.Require().NoError(err)
	s.Empty(pending)
	pending, err = s.log.ReadPending(s.ctx, "cache", "member-2", "movies", 10)
	s.Require().NoError(err)
	s.Len(pending, 2)
}

func (s *MemoryLogSuite) TestLagCountsUndeliveredAndPending() {
	s.append("movies", 4)
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "cache", "movies"))

	lag, err := s.log.Lag(s.ctx, "cache", "movies")
	s.Require().NoError(err)
	s.Equal(int64(4), lag)

	entries, err := s.log.ReadGroup(s.ctx, "cache", "member-1", "movies", 2, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)

	// Two delivered-but-unacked plus two undelivered.
	lag, err = s.log.Lag(s.ctx, "cache", "movies")
	s.Require().NoError(err)
	s.Equal(int64(4), lag)

	s.Require().NoError(s.log.Ack(s.ctx, "cache", "movies", entries[0].ID))
	lag, err = s.log.Lag(s.ctx, "cache", "movies")
	s.Require().NoError(err)
	s.Equal(int64(3), lag)
}

func (s *MemoryLogSuite) TestGroupsConsumeIndependently() {
	ids := s.append("movies", 3)
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "cache", "movies"))
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "graph", "movies"))

	cacheEntries, err := s.log.ReadGroup(s.ctx, "cache", "c1", "movies", 10, 0)
	s.Require().NoError(err)
	graphEntries, err := s.log.ReadGroup(s.ctx, "graph", "g1", "movies", 10, 0)
	s.Require().NoError(err)

	s.Len(cacheEntries, 3)
	s.Len(graphEntries, 3)
	s.Equal(ids[0], cacheEntries[0].ID)
	s.Equal(ids[0], graphEntries[0].ID)
}

func (s *MemoryLogSuite) TestFollowResumesFromCursor() {
	ids := s.append("comments", 3)

	entries, next, err := s.log.Follow(s.ctx, "comments", "", 2, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(ids[1], next)

	entries, next, err = s.log.Follow(s.ctx, "comments", next, 2, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(ids[2], next)

	// Caught up: nothing new, cursor unchanged.
	entries, next, err = s.log.Follow(s.ctx, "comments", next, 2, 0)
	s.Require().NoError(err)
	s.Empty(entries)
	s.Equal(ids[2], next)
}

func (s *MemoryLogSuite) TestBlockingReadWakesOnAppend() {
	s.Require().NoError(s.log.EnsureGroup(s.ctx, "cache", "movies"))

	done := make(chan []Entry, 1)
	go func() {
		entries, err := s.log.ReadGroup(s.ctx, "cache", "member-1", "movies", 10, 2*time.Second)
		s.NoError(err)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	s.append("movies", 1)

	select {
	case entries := <-done:
		s.Len(entries, 1)
	case <-time.After(3 * time.Second):
		s.Fail("blocked read never woke after append")
	}
}
