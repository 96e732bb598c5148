package crudodb

import "context"

// CrudAPI is the remote side of a store. Errors mean the call did not get
// through; a nil result or false means the remote refused it.
type CrudAPI[T any] interface {
	Create(ctx context.Context, item T) (*T, error)
	Update(ctx context.Context, item T) (*T, error)
	Delete(ctx context.Context, item T) (bool, error)
	Get(ctx context.Context, key any) (*T, error)
	GetAll(ctx context.Context) ([]T, error)
}

// OnlineChecker is an optional capability of a CrudAPI. Remotes that do not
// implement it are assumed to be reachable.
type OnlineChecker interface {
	IsOnline(ctx context.Context) bool
}

// Registration binds a schema to its item type and remote.
type Registration[T any] struct {
	Schema Schema
	API    CrudAPI[T] // optional

	// Key overrides the default SchemaKey.
	Key string
}

func isOnline[T any](ctx context.Context, api CrudAPI[T]) bool {
	if api == nil {
		return false
	}
	if oc, ok := api.(OnlineChecker); ok {
		return oc.IsOnline(ctx)
	}
	return true
}
