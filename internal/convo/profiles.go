package convo

import (
	"context"
	"errors"

	"clinic-scheduler/internal/cache"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/storeclient"
)

// ReadThrough serves profiles from the Redis cache, falling back to the
// store api on a miss. Unknown users come back as nil.
type ReadThrough struct {
	Cache *cache.Cache
	Store *storeclient.Client
}

func (r ReadThrough) Profile(ctx context.Context, chatID string) (*model.Profile, error) {
	return r.Cache.Profile(ctx, chatID, func(ctx context.Context) (*model.Profile, error) {
		p, err := r.Store.Profile(ctx, chatID)
		if errors.Is(err, storeclient.ErrNotFound) {
			return nil, nil
		}
		return p, err
	})
}
