package netutil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("::1"))
	assert.False(t, IsLoopback("192.168.1.10"))
	assert.False(t, IsLoopback("not-an-ip"))
}

func TestIsPrivate(t *testing.T) {
	assert.True(t, IsPrivate("127.0.0.1"))
	assert.True(t, IsPrivate("10.1.2.3"))
	assert.True(t, IsPrivate("172.20.0.1"))
	assert.True(t, IsPrivate("192.168.0.42"))
	assert.False(t, IsPrivate("8.8.8.8"))
	assert.False(t, IsPrivate(""))
}

func TestClientIPIgnoresForgedHeaders(t *testing.T) {
	SetTrustedProxies("")
	t.Cleanup(func() { SetTrustedProxies("") })

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4711"
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	// Headers from an untrusted peer carry no weight.
	r.Header.Set("X-Real-IP", "198.51.100.7")
	r.Header.Set("X-Forwarded-For", "127.0.0.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestClientIPHonorsTrustedProxy(t *testing.T) {
	SetTrustedProxies("203.0.113.9, 198.51.100.0/24")
	t.Cleanup(func() { SetTrustedProxies("") })

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4711"
	r.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.20:4711"
	r.Header.Set("X-Real-IP", "192.0.2.7")
	assert.Equal(t, "192.0.2.7", ClientIP(r))

	// A peer outside the trusted set still resolves to its own address.
	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.10:4711"
	r.Header.Set("X-Forwarded-For", "10.1.2.3")
	assert.Equal(t, "203.0.113.10", ClientIP(r))
}
