package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolOptionsDefaults(t *testing.T) {
	pool := PoolOptions{}.withDefaults()

	assert.Equal(t, 10, pool.MaxIdleConns)
	assert.Equal(t, 50, pool.MaxOpenConns)
	assert.Equal(t, time.Hour, pool.ConnMaxLifetime)
}

func TestPoolOptionsExplicitValuesKept(t *testing.T) {
	pool := PoolOptions{
		MaxIdleConns:    2,
		MaxOpenConns:    20,
		ConnMaxLifetime: 15 * time.Minute,
	}.withDefaults()

	assert.Equal(t, 2, pool.MaxIdleConns)
	assert.Equal(t, 20, pool.MaxOpenConns)
	assert.Equal(t, 15*time.Minute, pool.ConnMaxLifetime)
}
