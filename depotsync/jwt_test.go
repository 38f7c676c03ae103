package depotsync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/depotsync/internal/auth"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWTAuth("test-secret")

	token, err := j.GenerateToken("operator-1", "device-a", time.Hour)
	require.NoError(t, err)

	claims, err := j.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "operator-1", claims.Subject)
	require.Equal(t, "device-a", claims.DeviceID)
	require.Equal(t, "depotsync", claims.Issuer)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-one").GenerateToken("operator-1", "device-a", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-two").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpired(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("operator-1", "device-a", -time.Minute)
	require.NoError(t, err)

	_, err = j.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRequestExtraction(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("operator-1", "device-a", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	deviceID, err := j.GetDeviceID(r)
	require.NoError(t, err)
	require.Equal(t, "device-a", deviceID)

	operatorID, err := j.GetOperatorID(r)
	require.NoError(t, err)
	require.Equal(t, "operator-1", operatorID)

	bare := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	_, err = j.GetDeviceID(bare)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("operator-1", "device-a", time.Hour)
	require.NoError(t, err)

	var gotDevice, gotOperator string
	handler := j.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice, _ = auth.GetDeviceID(r.Context())
		gotOperator, _ = auth.GetOperatorID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "device-a", gotDevice)
	require.Equal(t, "operator-1", gotOperator)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/push", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
