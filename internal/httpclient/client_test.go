package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, DefaultTimeout, c.Timeout)

	c = NewControl(0)
	assert.Equal(t, ControlTimeout, c.Timeout)

	c = NewControl(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Timeout)
}

func TestUserAgent(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	resp, err := New().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")
	resp, err = New(WithUserAgent("other")).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"rarlink", "custom"}, got)
}
