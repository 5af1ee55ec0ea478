package provider

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

func newRestClient(baseURL string, timeout time.Duration, headers map[string]string) *resty.Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(800 * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return false
			}
			switch r.StatusCode() {
			case http.StatusTooManyRequests, http.StatusInternalServerError,
				http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		})
	for k, v := range headers {
		c.SetHeader(k, v)
	}
	return c
}

// apiError renders a non-2xx response; msg is the provider's own error text.
func apiError(op string, resp *resty.Response, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return fmt.Errorf("%s: status=%d: %s", op, resp.StatusCode(), msg)
}

func splitJSONL(body []byte) []string {
	lines := strings.Split(string(body), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
