// Package block stores blocked-user relationships in Redis. The account
// service writes them; the chat core only asks whether any pair among a
// room's participants is blocked.
//
//	Key:   blocks:<user_id>
//	Type:  set of user ids blocked by user_id
package block

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for block sets.
const KeyPrefix = "blocks:"

// Store manages block relationships in Redis.
type Store struct {
	client redis.Cmdable
}

// NewStore creates a block store using the provided Redis client.
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// Block records that blocker has blocked blocked.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	if err := s.client.SAdd(ctx, KeyPrefix+blocker, blocked).Err(); err != nil {
		return fmt.Errorf("block: add: %w", err)
	}
	return nil
}

// Unblock removes the relationship.
func (s *Store) Unblock(ctx context.Context, blocker, blocked string) error {
	if err := s.client.SRem(ctx, KeyPrefix+blocker, blocked).Err(); err != nil {
		return fmt.Errorf("block: remove: %w", err)
	}
	return nil
}

// Blocked reports whether either of a and b has blocked the other.
func (s *Store) Blocked(ctx context.Context, a, b string) (bool, error) {
	return s.AnyBlocked(ctx, []string{a, b})
}

// AnyBlocked reports whether any participant has blocked any other. All
// ordered pairs are checked in one pipeline round trip. Redis errors are
// returned so callers can decide how to handle them.
func (s *Store) AnyBlocked(ctx context.Context, participants []string) (bool, error) {
	if len(participants) < 2 {
		return false, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, 0, len(participants)*(len(participants)-1))
	for _, a := range participants {
		for _, b := range participants {
			if a == b {
				continue
			}
			cmds = append(cmds, pipe.SIsMember(ctx, KeyPrefix+a, b))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("block: check: %w", err)
	}
	for _, c := range cmds {
		if c.Val() {
			return true, nil
		}
	}
	return false, nil
}
