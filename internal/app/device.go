package app

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"

	"notifd/internal/storage"
)

const metaDeviceID = "device_id"

var errFound = errors.New("found")

// resolveDeviceID returns the configured id, else the id persisted in the
// meta bucket, else a fresh ULID (persisted when storage is enabled).
func resolveDeviceID(ctx context.Context, configured string, store storage.Store) (id string, generated bool, err error) {
	if id = strings.TrimSpace(configured); id != "" {
		return id, false, nil
	}
	if store == nil {
		return ulid.Make().String(), true, nil
	}
	err = store.Scan(ctx, storage.BucketMeta, func(k string, v []byte) error {
		if k == metaDeviceID && len(v) > 0 {
			id = string(v)
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return id, false, nil
	}
	if err != nil {
		return "", false, err
	}
	id = ulid.Make().String()
	if err := store.Put(ctx, storage.BucketMeta, metaDeviceID, []byte(id)); err != nil {
		return "", false, err
	}
	return id, true, nil
}
