package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func wsRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws/analytics", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOrigin(t *testing.T) {
	dashboards := []string{"https://forecast.example.com", "http://localhost:5173"}

	cases := map[string]struct {
		allowed []string
		origin  string
		want    bool
	}{
		"cli and same-host callers send no origin": {nil, "", true},
		"no allow-list rejects browser origins":    {nil, "https://forecast.example.com", false},
		"listed dashboard":                          {dashboards, "http://localhost:5173", true},
		"listed dashboard ignores case":             {dashboards, "HTTPS://Forecast.Example.com", true},
		"port must match":                           {dashboards, "http://localhost:3000", false},
		"scheme must match":                         {dashboards, "http://forecast.example.com", false},
		"star anywhere in the list opens it":        {[]string{"https://forecast.example.com", "*"}, "https://other.example.org", true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := &Server{config: Config{AllowedOrigins: tc.allowed}}
			assert.Equal(t, tc.want, s.checkOrigin(wsRequest(tc.origin)))
		})
	}
}

func TestAllowsAny(t *testing.T) {
	assert.False(t, allowsAny(nil))
	assert.False(t, allowsAny([]string{"https://forecast.example.com"}))
	assert.True(t, allowsAny([]string{"*"}))
}
