package httpapi

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"bearer abc123", "abc123", false},
		{"  Bearer   abc123  ", "abc123", false},
		{"", "", true},
		{"Basic abc123", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			require.Error(t, err, tc.header)
			continue
		}
		require.NoError(t, err, tc.header)
		require.Equal(t, tc.want, got)
	}
}

func TestAuthnRejectsMissingAndBogusTokens(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(http.MethodGet, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(http.MethodGet, "/v1/sessions", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthnPublicPathsPassThrough(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rr := f.do(http.MethodGet, path, "", nil)
		require.NotEqual(t, http.StatusUnauthorized, rr.Code, path)
	}
}

func TestAuthnChallengeTokenIsNotAnAccessToken(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAndVerify(testEmail)
	auth := f.login(testEmail)

	// Access tokens work.
	rr := f.do(http.MethodGet, "/v1/sessions", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	// A refresh token is opaque and never authenticates a request.
	rr = f.do(http.MethodGet, "/v1/sessions", auth.RefreshToken, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
