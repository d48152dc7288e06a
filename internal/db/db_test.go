package db

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := NormalizeMySQLDSN("u:p@tcp(db:3306)/jobs")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "/jobs")

	_, err = NormalizeMySQLDSN("")
	assert.Error(t, err)
	_, err = NormalizeMySQLDSN("u:p@tcp(db:3306)jobs")
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(RedisOpts{Addr: mr.Addr()})
	require.NoError(t, err)
	_ = rdb.Close()

	rdb, err = NewRedisClient(RedisOpts{Addr: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	_ = rdb.Close()

	mr.Close()
	_, err = NewRedisClient(RedisOpts{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
