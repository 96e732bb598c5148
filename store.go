package crudodb

import "context"

// Store is a facade bound to one SchemaKey. It resolves the Database on
// every call, so it keeps working after the schema is registered again.
type Store[T any] struct {
	db  *DB
	key string
}

func (s *Store[T]) Key() string {
	return s.key
}

func (s *Store[T]) Database() (*Database[T], error) {
	return DatabaseFor[T](s.db, s.key)
}

func (s *Store[T]) Create(ctx context.Context, item T) (T, error) {
	return Create(ctx, s.db, s.key, item)
}

func (s *Store[T]) Update(ctx context.Context, item T) (T, error) {
	return Update(ctx, s.db, s.key, item)
}

func (s *Store[T]) Delete(ctx context.Context, item T) (bool, error) {
	return Delete(ctx, s.db, s.key, item)
}

func (s *Store[T]) Get(ctx context.Context, key any) (*T, error) {
	return Get[T](ctx, s.db, s.key, key)
}

func (s *Store[T]) GetAll(ctx context.Context) ([]T, error) {
	return GetAll[T](ctx, s.db, s.key)
}

func (s *Store[T]) Sync(ctx context.Context) (SyncReport, error) {
	d, err := s.Database()
	if err != nil {
		return SyncReport{Key: s.key, Err: err}, err
	}
	return d.Sync(ctx)
}
