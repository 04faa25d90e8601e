package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

func TestRateLimiterBlocksAfterBucketRunsDry(t *testing.T) {
	clock := time.Now()
	l := newRateLimiter()
	l.now = func() time.Time { return clock }

	for i := 0; i < rateBucketSize; i++ {
		require.True(t, l.allow("1.2.3.4", 1), "request %d should pass", i)
	}
	assert.False(t, l.allow("1.2.3.4", 1))

	// Refill alone does not lift the block.
	clock = clock.Add(5 * time.Minute)
	assert.False(t, l.allow("1.2.3.4", 1))

	clock = clock.Add(rateBlockDuration)
	assert.True(t, l.allow("1.2.3.4", 1))
}

func TestRateLimiterLoginCostsDouble(t *testing.T) {
	clock := time.Now()
	l := newRateLimiter()
	l.now = func() time.Time { return clock }

	allowed := 0
	for l.allow("1.2.3.4", rateLoginCost) {
		allowed++
	}
	assert.Equal(t, rateBucketSize/rateLoginCost, allowed)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	clock := time.Now()
	l := newRateLimiter()
	l.now = func() time.Time { return clock }

	for i := 0; i < rateBucketSize; i++ {
		l.allow("1.2.3.4", 1)
	}
	assert.False(t, l.allow("1.2.3.4", 1))
	assert.True(t, l.allow("5.6.7.8", 1))
}

func TestDecode(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		var dst struct {
			Email string `json:"email"`
		}
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a@b.nl"}`))
		require.NoError(t, decode(r, &dst))
		assert.Equal(t, "a@b.nl", dst.Email)
	})

	t.Run("empty body is accepted", func(t *testing.T) {
		var dst struct{}
		r := httptest.NewRequest("POST", "/", strings.NewReader(""))
		require.NoError(t, decode(r, &dst))
	})

	t.Run("malformed json", func(t *testing.T) {
		var dst struct{}
		r := httptest.NewRequest("POST", "/", strings.NewReader("{"))
		err := decode(r, &dst)
		require.Error(t, err)
		assert.Equal(t, "server.request.invalidJson", apperr.From(err).Key)
	})
}

func TestURLParamIDRejectsGarbage(t *testing.T) {
	r := httptest.NewRequest("GET", "/auth/user/not-a-uuid", nil)
	_, err := urlParamID(r, "authUser.get")
	require.Error(t, err)
	assert.Equal(t, "authUser.get.invalidId", apperr.From(err).Key)
}
