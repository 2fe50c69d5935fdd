package resilience

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ProviderError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"provider 503", NewProviderError(errors.New("unavailable"), 503), true},
		{"provider 429", NewProviderError(errors.New("rate limited"), 429), true},
		{"provider 400", NewProviderError(errors.New("bad request"), 400), false},
		{"provider no status", NewProviderError(errors.New("rejected"), 0), true},
		{"validation", &ValidationError{Err: errors.New("missing displayName")}, true},
		{"wrapped provider", eris.Wrap(NewProviderError(errors.New("boom"), 500), "search page"), true},
		{"plain", errors.New("something else"), false},
		{"conn reset string", errors.New("read tcp: connection reset by peer"), true},
		{"io timeout string", errors.New("dial tcp: i/o timeout"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d not transient", code)
		}
	}
}
