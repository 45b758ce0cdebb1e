package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenValidUntil(t *testing.T) {
	now := time.Now()
	buffer := 10 * time.Minute

	integ := &Integration{AccessToken: "tok", TokenExpiry: now.Add(time.Hour)}
	assert.True(t, integ.TokenValidUntil(now, buffer))

	// inside the proactive-refresh window counts as due
	integ.TokenExpiry = now.Add(5 * time.Minute)
	assert.False(t, integ.TokenValidUntil(now, buffer))

	integ.TokenExpiry = now.Add(-time.Minute)
	assert.False(t, integ.TokenValidUntil(now, buffer))

	// no token or no bookkept expiry is never valid
	assert.False(t, (&Integration{TokenExpiry: now.Add(time.Hour)}).TokenValidUntil(now, buffer))
	assert.False(t, (&Integration{AccessToken: "tok"}).TokenValidUntil(now, buffer))
}
