// Package store abstracts the remote object store consumed by the
// remote timeline client: upload, download, delete, delete-many, and
// list-by-prefix, assumed to provide read-after-write consistency.
package store

import "context"

// RemoteStore is the capability surface the remote timeline client
// requires of its backing object store.
type RemoteStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteObjects(ctx context.Context, keys []string) error
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
}

// NotExist is returned by Download when the key has no remote object.
type NotExist string

func (e NotExist) Error() string { return "remote store: object does not exist: " + string(e) }
