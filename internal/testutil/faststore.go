package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/feenlabs/feen/internal/faststore"
)

// NewFastStore spins up a miniredis instance and returns a fast store backed
// by it. The instance is torn down with the test; it is returned as well so
// tests can advance its clock with FastForward.
func NewFastStore(t *testing.T) (*faststore.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return faststore.NewRedisClient(client), mr
}
