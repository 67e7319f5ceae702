// Package cache provides an advisory read-through cache for per-profile
// persona customizations. A miss or a cache failure is never fatal; callers
// fall back to the store.
package cache

import (
	"context"

	"github.com/voxhall/relayd/pkg/store"
)

const customizationKeyPrefix = "user:customization:"

// Customizations caches persona fields keyed by profile id. A hit may carry
// a nil customization, recording that the profile has saved none.
type Customizations interface {
	Get(ctx context.Context, profileID string) (*store.Customization, bool, error)
	Set(ctx context.Context, profileID string, c *store.Customization) error
	Invalidate(ctx context.Context, profileID string) error
	Close() error
}

func customizationKey(profileID string) string {
	return customizationKeyPrefix + profileID
}
