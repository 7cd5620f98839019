package iotdevice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
)

// NewModuleFromEnvironment creates a module session inside an IoT Edge
// container. EdgeHubConnectionString with optional EdgeModuleCACertificateFile
// is used when set, otherwise the IOTEDGE_* variables and the workload API
// provide signing and the gateway trust bundle.
func NewModuleFromEnvironment(ctx context.Context, tr transport.Driver, opts ...ClientOption) (*Session, error) {
	creds, err := edgeCredentials(ctx, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return New(ctx, tr, creds, opts...)
}

func edgeCredentials(ctx context.Context, lookup func(string) (string, bool)) (*Credentials, error) {
	if cs, ok := lookup("EdgeHubConnectionString"); ok {
		creds, err := NewCredentialsFromConnectionString(cs)
		if err != nil {
			return nil, err
		}
		if creds.ModuleID() == "" {
			return nil, fmt.Errorf("%w: ModuleId is missing in EdgeHubConnectionString", transport.ErrInvalidArg)
		}
		if name, ok := lookup("EdgeModuleCACertificateFile"); ok {
			b, err := os.ReadFile(name)
			if err != nil {
				return nil, err
			}
			if creds.roots, err = common.CertPoolFromPEM(string(b)); err != nil {
				return nil, err
			}
		}
		return creds, nil
	}

	env := map[string]string{}
	for _, k := range []string{
		"IOTEDGE_IOTHUBHOSTNAME",
		"IOTEDGE_GATEWAYHOSTNAME",
		"IOTEDGE_DEVICEID",
		"IOTEDGE_MODULEID",
		"IOTEDGE_MODULEGENERATIONID",
		"IOTEDGE_WORKLOADURI",
	} {
		v, ok := lookup(k)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: edge environment is not configured, $%s is missing", transport.ErrInvalidArg, k)
		}
		env[k] = v
	}
	if scheme, ok := lookup("IOTEDGE_AUTHSCHEME"); ok && scheme != "sasToken" {
		return nil, fmt.Errorf("%w: unsupported edge auth scheme %q", transport.ErrInvalidArg, scheme)
	}
	version, ok := lookup("IOTEDGE_APIVERSION")
	if !ok || version == "" {
		version = common.EdgeAPIVersion
	}

	w, err := newWorkloadSigner(env["IOTEDGE_WORKLOADURI"], env["IOTEDGE_MODULEID"],
		env["IOTEDGE_MODULEGENERATIONID"], version)
	if err != nil {
		return nil, err
	}
	creds, err := NewSignerCredentials(env["IOTEDGE_IOTHUBHOSTNAME"], env["IOTEDGE_GATEWAYHOSTNAME"],
		env["IOTEDGE_DEVICEID"], env["IOTEDGE_MODULEID"], w.sign)
	if err != nil {
		return nil, err
	}
	if creds.roots, err = common.TrustBundle(ctx, env["IOTEDGE_WORKLOADURI"]); err != nil {
		return nil, err
	}
	return creds, nil
}

// workloadSigner signs tokens with the module key kept by the edge security daemon.
type workloadSigner struct {
	client *http.Client
	url    string
}

func newWorkloadSigner(workloadURI, moduleID, genID, version string) (*workloadSigner, error) {
	c, base, err := common.WorkloadClient(workloadURI)
	if err != nil {
		return nil, err
	}
	return &workloadSigner{
		client: c,
		url: fmt.Sprintf("%s/modules/%s/genid/%s/sign?api-version=%s",
			base, url.PathEscape(moduleID), url.PathEscape(genID), url.QueryEscape(version)),
	}, nil
}

type signRequest struct {
	KeyID string `json:"keyId"`
	Algo  string `json:"algo"`
	Data  string `json:"data"`
}

type signResponse struct {
	Digest string `json:"digest"`
}

func (w *workloadSigner) sign(ctx context.Context, s string) (string, error) {
	b, err := json.Marshal(&signRequest{
		KeyID: "primary",
		Algo:  "HMACSHA256",
		Data:  base64.StdEncoding.EncodeToString([]byte(s)),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("edge: sign request: %w", err)
	}
	defer res.Body.Close()
	if b, err = io.ReadAll(res.Body); err != nil {
		return "", fmt.Errorf("edge: sign request: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("edge: sign request: code = %d, desc = %q", res.StatusCode, b)
	}
	var v signResponse
	if err = json.Unmarshal(b, &v); err != nil {
		return "", fmt.Errorf("edge: sign response: %w", err)
	}
	if v.Digest == "" {
		return "", errors.New("edge: sign response has no digest")
	}
	return v.Digest, nil
}
