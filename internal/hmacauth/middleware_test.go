package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func verifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return fixedNow },
	}
}

func signedRequest(body string, ts time.Time, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", strings.NewReader(body))
	SignRequest(req, secret, []byte(body), ts)
	return req
}

func TestMiddlewareAllowsValidSignatureAndKeepsBody(t *testing.T) {
	body := `{"amount":"1.0"}`
	rec := httptest.NewRecorder()

	var seen string
	verifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, signedRequest(body, fixedNow, "secret"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen)
}

func TestVerifyRejections(t *testing.T) {
	body := `{"amount":"1.0"}`
	cases := []struct {
		name string
		req  func() *http.Request
		want error
	}{
		{"wrong secret", func() *http.Request { return signedRequest(body, fixedNow, "other") }, ErrInvalidSignature},
		{"stale", func() *http.Request { return signedRequest(body, fixedNow.Add(-2*time.Minute), "secret") }, ErrStaleTimestamp},
		{"future", func() *http.Request { return signedRequest(body, fixedNow.Add(2*time.Minute), "secret") }, ErrStaleTimestamp},
		{"missing signature", func() *http.Request {
			r := signedRequest(body, fixedNow, "secret")
			r.Header.Del(DefaultSignatureHeader)
			return r
		}, ErrMissingSignature},
		{"bad timestamp", func() *http.Request {
			r := signedRequest(body, fixedNow, "secret")
			r.Header.Set(DefaultTimestampHeader, "yesterday")
			return r
		}, ErrMissingTimestamp},
		{"tampered body", func() *http.Request {
			r := signedRequest(body, fixedNow, "secret")
			r.Body = io.NopCloser(strings.NewReader(`{"amount":"100.0"}`))
			return r
		}, ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, verifier().Verify(tc.req()), tc.want)
		})
	}
}

func TestMiddlewareRejectsWith401(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, strconv.FormatInt(fixedNow.Unix(), 10))
	rec := httptest.NewRecorder()

	verifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCustomHeadersAndBodyLimit(t *testing.T) {
	v := verifier()
	v.SignatureHeader = "X-Vault-Signature"
	v.TimestampHeader = "X-Vault-Timestamp"
	v.MaxBodyBytes = 8

	body := []byte(`{"a":1}`)
	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("X-Vault-Signature", Sign("secret", ts, body))
	req.Header.Set("X-Vault-Timestamp", ts)
	assert.NoError(t, v.Verify(req))

	big := []byte(`{"a":123456}`)
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(big)))
	req.Header.Set("X-Vault-Signature", Sign("secret", ts, big))
	req.Header.Set("X-Vault-Timestamp", ts)
	rec := httptest.NewRecorder()
	v.Middleware(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEmptySecretDisablesVerification(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	assert.NoError(t, v.Verify(req))
}
