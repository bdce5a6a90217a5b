package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	blocking := New(Options{Timeout: time.Second})
	open := New(Options{Timeout: time.Second, AllowPrivate: true})

	tests := []struct {
		name        string
		url         string
		blockingErr bool
		openErr     bool
	}{
		{"public https", "https://runner.example.com/execute", false, false},
		{"localhost", "http://localhost:8080/execute", true, false},
		{"loopback ip", "http://127.0.0.1/execute", true, false},
		{"rfc1918", "http://10.1.2.3/execute", true, false},
		{"ipv6 ula", "http://[fd00::1]/execute", true, false},
		{"ftp scheme", "ftp://runner.example.com/file", true, true},
		{"userinfo", "http://user@runner.example.com/", true, true},
		{"no host", "http:///execute", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := blocking.ValidateURL(tt.url)
			assert.Equal(t, tt.blockingErr, err != nil, "blocking client: %v", err)

			_, err = open.ValidateURL(tt.url)
			assert.Equal(t, tt.openErr, err != nil, "private-allowed client: %v", err)
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	for _, s := range []string{"10.0.0.1", "172.20.1.1", "192.168.1.1", "127.0.0.1", "169.254.1.1", "::1", "fe80::1", "fd12::1"} {
		assert.True(t, isPrivateIP(net.ParseIP(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "1.1.1.1", "2606:4700::1111"} {
		assert.False(t, isPrivateIP(net.ParseIP(s)), s)
	}
}

func TestDoBlocksLocalServerUnlessAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = New(Options{Timeout: time.Second}).Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF")

	resp, err := New(Options{Timeout: time.Second, AllowPrivate: true}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMaxRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second, AllowPrivate: true, MaxRedirects: 2})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}
