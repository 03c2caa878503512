package registry

import (
	"context"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

type fakeLists struct {
	lists map[string][]string
	fail  error
}

func newFakeLists() *fakeLists { return &fakeLists{lists: map[string][]string{}} }

func (f *fakeLists) RPush(_ context.Context, key string, values ...interface{}) *goredis.IntCmd {
	if f.fail != nil {
		return goredis.NewIntResult(0, f.fail)
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	return goredis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeLists) LRange(_ context.Context, key string, _, _ int64) *goredis.StringSliceCmd {
	if f.fail != nil {
		return goredis.NewStringSliceResult(nil, f.fail)
	}
	return goredis.NewStringSliceResult(append([]string(nil), f.lists[key]...), nil)
}

func (f *fakeLists) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.lists[k]; ok {
			delete(f.lists, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeLists) Rename(_ context.Context, key, newkey string) *goredis.StatusCmd {
	v, ok := f.lists[key]
	if !ok {
		return goredis.NewStatusResult("", errors.New("ERR no such key"))
	}
	delete(f.lists, key)
	f.lists[newkey] = v
	return goredis.NewStatusResult("OK", nil)
}

func TestRedisRoundTripAndRetain(t *testing.T) {
	ctx := context.Background()
	lists := newFakeLists()
	r := NewRedis(lists, "checkpointx", zap.NewNop())
	pool := addr(1)

	for i := byte(0); i < 3; i++ {
		require.NoError(t, r.Append(ctx, pool, addr(50+i)))
	}
	assert.Contains(t, lists.lists, "checkpointx:registry:"+pool.String())

	got, err := r.Read(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{addr(50), addr(51), addr(52)}, got)

	require.NoError(t, r.Retain(ctx, pool, []solana.PublicKey{addr(52)}))
	got, err = r.Read(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{addr(52)}, got)
	assert.Len(t, lists.lists, 1)

	require.NoError(t, r.Clear(ctx, pool))
	got, err = r.Read(ctx, pool)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisSkipsMalformedValues(t *testing.T) {
	lists := newFakeLists()
	r := NewRedis(lists, "p", zap.NewNop())
	pool := addr(1)
	key := r.key(pool)
	good := addr(60)
	lists.lists[key] = []string{"bogus", string(good[:]), ""}

	got, err := r.Read(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{good}, got)
}

func TestRedisErrorsPropagate(t *testing.T) {
	lists := newFakeLists()
	lists.fail = errors.New("connection refused")
	r := NewRedis(lists, "p", zap.NewNop())
	assert.Error(t, r.Append(context.Background(), addr(1), addr(2)))
	_, err := r.Read(context.Background(), addr(1))
	assert.Error(t, err)
}
