package iotdevice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/credentials"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCertPEM(t *testing.T) string {
	t.Helper()
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: srv.Certificate().Raw,
	}))
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func workloadServer(t *testing.T, certPEM string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/mod/genid/42/sign", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, common.EdgeAPIVersion, r.URL.Query().Get("api-version"))
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		assert.Equal(t, "primary", req.KeyID)
		assert.Equal(t, "HMACSHA256", req.Algo)
		if _, err := base64.StdEncoding.DecodeString(req.Data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(&signResponse{Digest: "ZGlnZXN0"})
	})
	mux.HandleFunc("/trust-bundle", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"certificate": certPEM})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEdgeCredentialsWorkload(t *testing.T) {
	t.Parallel()

	srv := workloadServer(t, testCertPEM(t))
	creds, err := edgeCredentials(context.Background(), lookupFrom(map[string]string{
		"IOTEDGE_IOTHUBHOSTNAME":     "hub.azure-devices.net",
		"IOTEDGE_GATEWAYHOSTNAME":    "edgehub",
		"IOTEDGE_DEVICEID":           "dev",
		"IOTEDGE_MODULEID":           "mod",
		"IOTEDGE_MODULEGENERATIONID": "42",
		"IOTEDGE_WORKLOADURI":        srv.URL + "/",
		"IOTEDGE_AUTHSCHEME":         "sasToken",
	}))
	require.NoError(t, err)
	assert.Equal(t, "dev", creds.DeviceID())
	assert.Equal(t, "mod", creds.ModuleID())
	assert.Equal(t, "edgehub", transport.Broker(creds))
	assert.NotNil(t, creds.TLSConfig().RootCAs)

	token, err := creds.Token(context.Background(), transport.ResourceURI(creds), time.Hour)
	require.NoError(t, err)
	assert.Contains(t, token, "sig=ZGlnZXN0")
	_, err = credentials.TokenExpiry(token)
	assert.NoError(t, err)
}

func TestEdgeCredentialsSignError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "module not found", http.StatusNotFound)
	}))
	defer srv.Close()

	w, err := newWorkloadSigner(srv.URL, "mod", "1", common.EdgeAPIVersion)
	require.NoError(t, err)
	_, err = w.sign(context.Background(), "data")
	assert.ErrorContains(t, err, "code = 404")
}

func TestEdgeCredentialsConnectionString(t *testing.T) {
	t.Parallel()

	name := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(name, []byte(testCertPEM(t)), 0o600))

	creds, err := edgeCredentials(context.Background(), lookupFrom(map[string]string{
		"EdgeHubConnectionString":     "HostName=h;GatewayHostName=gw;DeviceId=d;ModuleId=m;SharedAccessKey=" + testKey,
		"EdgeModuleCACertificateFile": name,
	}))
	require.NoError(t, err)
	assert.Equal(t, "m", creds.ModuleID())
	assert.Equal(t, "gw", creds.TLSConfig().ServerName)
	assert.NotNil(t, creds.roots)

	_, err = edgeCredentials(context.Background(), lookupFrom(map[string]string{
		"EdgeHubConnectionString": "HostName=h;DeviceId=d;SharedAccessKey=" + testKey,
	}))
	assert.ErrorIs(t, err, transport.ErrInvalidArg)
}

func TestEdgeCredentialsMisconfigured(t *testing.T) {
	t.Parallel()

	for name, env := range map[string]map[string]string{
		"empty": {},
		"missing workload uri": {
			"IOTEDGE_IOTHUBHOSTNAME":     "h",
			"IOTEDGE_GATEWAYHOSTNAME":    "gw",
			"IOTEDGE_DEVICEID":           "d",
			"IOTEDGE_MODULEID":           "m",
			"IOTEDGE_MODULEGENERATIONID": "1",
		},
		"x509 auth scheme": {
			"IOTEDGE_IOTHUBHOSTNAME":     "h",
			"IOTEDGE_GATEWAYHOSTNAME":    "gw",
			"IOTEDGE_DEVICEID":           "d",
			"IOTEDGE_MODULEID":           "m",
			"IOTEDGE_MODULEGENERATIONID": "1",
			"IOTEDGE_WORKLOADURI":        "http://localhost:1",
			"IOTEDGE_AUTHSCHEME":         "x509",
		},
	} {
		_, err := edgeCredentials(context.Background(), lookupFrom(env))
		assert.ErrorIs(t, err, transport.ErrInvalidArg, name)
	}
}
