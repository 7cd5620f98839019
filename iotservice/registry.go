package iotservice

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Device struct {
	DeviceID                   string                 `json:"deviceId,omitempty"`
	GenerationID               string                 `json:"generationId,omitempty"`
	ETag                       string                 `json:"etag,omitempty"`
	ConnectionState            ConnectionState        `json:"connectionState,omitempty"`
	Status                     DeviceStatus           `json:"status,omitempty"`
	StatusReason               string                 `json:"statusReason,omitempty"`
	ConnectionStateUpdatedTime MicrosoftTime          `json:"connectionStateUpdatedTime,omitempty"`
	StatusUpdatedTime          MicrosoftTime          `json:"statusUpdatedTime,omitempty"`
	LastActivityTime           MicrosoftTime          `json:"lastActivityTime,omitempty"`
	CloudToDeviceMessageCount  uint                   `json:"cloudToDeviceMessageCount,omitempty"`
	Authentication             *Authentication        `json:"authentication,omitempty"`
	Capabilities               map[string]interface{} `json:"capabilities,omitempty"`
}

type Module struct {
	ModuleID                   string          `json:"moduleId,omitempty"`
	DeviceID                   string          `json:"deviceId,omitempty"`
	GenerationID               string          `json:"generationId,omitempty"`
	ETag                       string          `json:"etag,omitempty"`
	ConnectionState            ConnectionState `json:"connectionState,omitempty"`
	ConnectionStateUpdatedTime MicrosoftTime   `json:"connectionStateUpdatedTime,omitempty"`
	LastActivityTime           MicrosoftTime   `json:"lastActivityTime,omitempty"`
	CloudToDeviceMessageCount  uint            `json:"cloudToDeviceMessageCount,omitempty"`
	Authentication             *Authentication `json:"authentication,omitempty"`
	ManagedBy                  string          `json:"managedBy,omitempty"`
}

// DeviceStatus is whether a device is allowed to connect.
type DeviceStatus string

const (
	Enabled  DeviceStatus = "enabled"
	Disabled DeviceStatus = "disabled"
)

// ConnectionState is the last known device connection state.
type ConnectionState string

const (
	Connected    ConnectionState = "Connected"
	Disconnected ConnectionState = "Disconnected"
)

type Authentication struct {
	SymmetricKey   *SymmetricKey   `json:"symmetricKey,omitempty"`
	X509Thumbprint *X509Thumbprint `json:"x509Thumbprint,omitempty"`
	Type           AuthType        `json:"type,omitempty"`
}

// AuthType device authentication type.
type AuthType string

const (
	// AuthSAS uses symmetric keys to sign requests.
	AuthSAS AuthType = "sas"

	// AuthSelfSigned self signed certificate with a thumbprint.
	AuthSelfSigned AuthType = "selfSigned"

	// AuthCA certificate signed by a registered certificate authority.
	AuthCA AuthType = "certificateAuthority"
)

type X509Thumbprint struct {
	PrimaryThumbprint   string `json:"primaryThumbprint,omitempty"`
	SecondaryThumbprint string `json:"secondaryThumbprint,omitempty"`
}

type SymmetricKey struct {
	PrimaryKey   string `json:"primaryKey,omitempty"`
	SecondaryKey string `json:"secondaryKey,omitempty"`
}

// validate checks that auth carries what its type needs,
// nil means the hub generates symmetric keys.
func (a *Authentication) validate() error {
	if a == nil {
		return nil
	}
	switch a.Type {
	case AuthSAS, "":
		if a.X509Thumbprint != nil {
			return fmt.Errorf("%w: sas authentication with a thumbprint", ErrInvalidArg)
		}
	case AuthSelfSigned:
		if a.X509Thumbprint == nil || a.X509Thumbprint.PrimaryThumbprint == "" {
			return fmt.Errorf("%w: self-signed authentication requires a primary thumbprint", ErrInvalidArg)
		}
	case AuthCA:
		if a.SymmetricKey != nil || a.X509Thumbprint != nil {
			return fmt.Errorf("%w: certificate authority authentication carries no keys", ErrInvalidArg)
		}
	default:
		return fmt.Errorf("%w: unknown authentication type %q", ErrInvalidArg, a.Type)
	}
	return nil
}

type Stats struct {
	DisabledDeviceCount uint `json:"disabledDeviceCount,omitempty"`
	EnabledDeviceCount  uint `json:"enabledDeviceCount,omitempty"`
	TotalDeviceCount    uint `json:"totalDeviceCount,omitempty"`
}

type Configuration struct {
	ID                 string                `json:"id,omitempty"`
	SchemaVersion      string                `json:"schemaVersion,omitempty"`
	Labels             map[string]string     `json:"labels,omitempty"`
	Content            *ConfigurationContent `json:"content,omitempty"`
	TargetCondition    string                `json:"targetCondition,omitempty"`
	CreatedTimeUTC     MicrosoftTime         `json:"createdTimeUtc,omitempty"`
	LastUpdatedTimeUTC MicrosoftTime         `json:"lastUpdatedTimeUtc,omitempty"`
	Priority           uint                  `json:"priority,omitempty"`
	SystemMetrics      *ConfigurationMetrics `json:"systemMetrics,omitempty"`
	Metrics            *ConfigurationMetrics `json:"metrics,omitempty"`
	ETag               string                `json:"etag,omitempty"`
}

type ConfigurationContent struct {
	ModulesContent map[string]map[string]interface{} `json:"modulesContent,omitempty"`
	DeviceContent  map[string]interface{}            `json:"deviceContent,omitempty"`
}

type ConfigurationMetrics struct {
	Results map[string]uint   `json:"results,omitempty"`
	Queries map[string]string `json:"queries,omitempty"`
}

type Query struct {
	Query    string `json:"query,omitempty"`
	PageSize uint   `json:"-"`
}

// MicrosoftTime accepts both RFC3339 and zone-less timestamps the hub returns.
type MicrosoftTime struct {
	time.Time
}

func (t *MicrosoftTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.New("malformed time")
	}
	s := string(b[1 : len(b)-1])
	if n, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = n
		return nil
	}
	n, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return err
	}
	t.Time = n
	return nil
}

// RegistryManager manages device and module identities.
type RegistryManager struct {
	*Client
}

// NewRegistryManager creates a registry manager sharing auth.
func NewRegistryManager(auth *Auth, opts ...ClientOption) (*RegistryManager, error) {
	c, err := New(auth, opts...)
	if err != nil {
		return nil, err
	}
	return &RegistryManager{c}, nil
}

// GetDevice retrieves the named device.
func (r *RegistryManager) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	if deviceID == "" {
		return nil, errEmptyDeviceID
	}
	var res Device
	if _, err := r.call(
		ctx,
		http.MethodGet,
		devicePath(deviceID),
		nil,
		nil,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateDevice registers a new device, the hub generates
// symmetric keys when no authentication is given.
//
// ErrDeviceExist is returned when the id is taken.
func (r *RegistryManager) CreateDevice(ctx context.Context, device *Device) (*Device, error) {
	if device == nil || device.DeviceID == "" {
		return nil, errEmptyDeviceID
	}
	if err := device.Authentication.validate(); err != nil {
		return nil, err
	}
	var res Device
	if _, err := r.call(
		ctx,
		http.MethodPut,
		devicePath(device.DeviceID),
		nil,
		device,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateDevice updates the named device.
func (r *RegistryManager) UpdateDevice(ctx context.Context, device *Device) (*Device, error) {
	if device == nil || device.DeviceID == "" {
		return nil, errEmptyDeviceID
	}
	if err := device.Authentication.validate(); err != nil {
		return nil, err
	}
	var res Device
	if _, err := r.call(
		ctx,
		http.MethodPut,
		devicePath(device.DeviceID),
		ifMatchHeader(device.ETag),
		device,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteDevice deletes the named device.
func (r *RegistryManager) DeleteDevice(ctx context.Context, device *Device) error {
	if device == nil || device.DeviceID == "" {
		return errEmptyDeviceID
	}
	_, err := r.call(
		ctx,
		http.MethodDelete,
		devicePath(device.DeviceID),
		ifMatchHeader(device.ETag),
		nil,
		nil,
	)
	return err
}

const maxPageSize = 1000

// ListDevices lists up to max registered devices, zero max lists all of them.
//
// Devices are read with the registry query so only fields present
// in device twins are filled.
func (r *RegistryManager) ListDevices(ctx context.Context, max int) ([]*Device, error) {
	if max < 0 {
		return nil, fmt.Errorf("%w: negative max", ErrInvalidArg)
	}
	size := maxPageSize
	if max > 0 && max < size {
		size = max
	}
	var res []*Device
	errStop := errors.New("stop")
	if err := r.query(ctx, "SELECT * FROM devices", size, func(b json.RawMessage) error {
		var d Device
		if err := json.Unmarshal(b, &d); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidJSON, err)
		}
		res = append(res, &d)
		if max > 0 && len(res) == max {
			return errStop
		}
		return nil
	}); err != nil && err != errStop {
		return nil, err
	}
	return res, nil
}

// ListModules list all the registered modules on the named device.
func (r *RegistryManager) ListModules(ctx context.Context, deviceID string) ([]*Module, error) {
	if deviceID == "" {
		return nil, errEmptyDeviceID
	}
	var res []*Module
	if _, err := r.call(
		ctx,
		http.MethodGet,
		devicePath(deviceID)+"/modules",
		nil,
		nil,
		&res,
	); err != nil {
		return nil, err
	}
	return res, nil
}

// CreateModule adds the given module to the registry.
func (r *RegistryManager) CreateModule(ctx context.Context, module *Module) (*Module, error) {
	if module == nil || module.DeviceID == "" || module.ModuleID == "" {
		return nil, errEmptyModuleID
	}
	if err := module.Authentication.validate(); err != nil {
		return nil, err
	}
	var res Module
	if _, err := r.call(ctx,
		http.MethodPut,
		modulePath(module.DeviceID, module.ModuleID),
		nil,
		module,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetModule retrieves the named module.
func (r *RegistryManager) GetModule(ctx context.Context, deviceID, moduleID string) (*Module, error) {
	if deviceID == "" || moduleID == "" {
		return nil, errEmptyModuleID
	}
	var res Module
	if _, err := r.call(
		ctx,
		http.MethodGet,
		modulePath(deviceID, moduleID),
		nil,
		nil,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateModule updates the given module.
func (r *RegistryManager) UpdateModule(ctx context.Context, module *Module) (*Module, error) {
	if module == nil || module.DeviceID == "" || module.ModuleID == "" {
		return nil, errEmptyModuleID
	}
	var res Module
	if _, err := r.call(
		ctx,
		http.MethodPut,
		modulePath(module.DeviceID, module.ModuleID),
		ifMatchHeader(module.ETag),
		module,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteModule removes the named device module.
func (r *RegistryManager) DeleteModule(ctx context.Context, module *Module) error {
	if module == nil || module.DeviceID == "" || module.ModuleID == "" {
		return errEmptyModuleID
	}
	_, err := r.call(
		ctx,
		http.MethodDelete,
		modulePath(module.DeviceID, module.ModuleID),
		ifMatchHeader(module.ETag),
		nil,
		nil,
	)
	return err
}

// Statistics retrieves the device registry statistic.
func (r *RegistryManager) Statistics(ctx context.Context) (*Stats, error) {
	var res Stats
	if _, err := r.call(
		ctx,
		http.MethodGet,
		"statistics/devices",
		nil,
		nil,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RegistryManager) ListConfigurations(ctx context.Context) ([]*Configuration, error) {
	var res []*Configuration
	if _, err := r.call(
		ctx,
		http.MethodGet,
		"configurations",
		nil,
		nil,
		&res,
	); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RegistryManager) CreateConfiguration(ctx context.Context, config *Configuration) (*Configuration, error) {
	if config == nil || config.ID == "" {
		return nil, fmt.Errorf("%w: configuration id is empty", ErrInvalidArg)
	}
	var res Configuration
	if _, err := r.call(
		ctx,
		http.MethodPut,
		configurationPath(config.ID),
		nil,
		config,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RegistryManager) GetConfiguration(ctx context.Context, configID string) (*Configuration, error) {
	var res Configuration
	if _, err := r.call(
		ctx,
		http.MethodGet,
		configurationPath(configID),
		nil,
		nil,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RegistryManager) UpdateConfiguration(ctx context.Context, config *Configuration) (*Configuration, error) {
	var res Configuration
	if _, err := r.call(
		ctx,
		http.MethodPut,
		configurationPath(config.ID),
		ifMatchHeader(config.ETag),
		config,
		&res,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RegistryManager) DeleteConfiguration(ctx context.Context, config *Configuration) error {
	_, err := r.call(
		ctx,
		http.MethodDelete,
		configurationPath(config.ID),
		ifMatchHeader(config.ETag),
		nil,
		nil,
	)
	return err
}

// ApplyConfiguration applies edge modules content to the named device.
func (r *RegistryManager) ApplyConfiguration(ctx context.Context, content *ConfigurationContent, deviceID string) error {
	_, err := r.call(
		ctx,
		http.MethodPost,
		devicePath(deviceID)+"/applyConfigurationContent",
		nil,
		content,
		nil,
	)
	return err
}

// Query runs the registry query calling fn for every returned document,
// pages are followed with the continuation token.
func (r *RegistryManager) Query(ctx context.Context, q *Query, fn func(v map[string]interface{}) error) error {
	if q == nil || strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("%w: query is empty", ErrInvalidArg)
	}
	return r.query(ctx, q.Query, int(q.PageSize), func(b json.RawMessage) error {
		var v map[string]interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidJSON, err)
		}
		return fn(v)
	})
}

func (r *RegistryManager) query(ctx context.Context, q string, size int, fn func(b json.RawMessage) error) error {
	var token string
	for {
		v, next, err := r.execQuery(ctx, q, size, token)
		if err != nil {
			return err
		}
		for i := range v {
			if err := fn(v[i]); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		token = next
	}
}

func (r *RegistryManager) execQuery(ctx context.Context, q string, size int, token string) (
	[]json.RawMessage, string, error,
) {
	h := maxItemsHeader(nil, size)
	if token != "" {
		if h == nil {
			h = http.Header{}
		}
		h.Add("x-ms-continuation", token)
	}
	var res []json.RawMessage
	resp, err := r.call(
		ctx,
		http.MethodPost,
		"devices/query",
		h,
		&Query{Query: q},
		&res,
	)
	if err != nil {
		return nil, "", err
	}
	return res, resp.Header.Get("x-ms-continuation"), nil
}

// Job is a bulk registry import or export job.
type Job struct {
	JobID                  string        `json:"jobId,omitempty"`
	Type                   string        `json:"type,omitempty"`
	Status                 string        `json:"status,omitempty"`
	Progress               int           `json:"progress,omitempty"`
	InputBlobContainerURI  string        `json:"inputBlobContainerUri,omitempty"`
	OutputBlobContainerURI string        `json:"outputBlobContainerUri,omitempty"`
	ExcludeKeysInExport    bool          `json:"excludeKeysInExport,omitempty"`
	FailureReason          string        `json:"failureReason,omitempty"`
	StartTimeUTC           MicrosoftTime `json:"startTimeUtc,omitempty"`
	EndTimeUTC             MicrosoftTime `json:"endTimeUtc,omitempty"`
}

// ImportDevicesFromBlob starts a bulk import job.
func (r *RegistryManager) ImportDevicesFromBlob(ctx context.Context, inputBlobURL, outputBlobURL string) (*Job, error) {
	return r.createJob(ctx, &Job{
		Type:                   "import",
		InputBlobContainerURI:  inputBlobURL,
		OutputBlobContainerURI: outputBlobURL,
	})
}

// ExportDevicesToBlob starts a bulk export job.
func (r *RegistryManager) ExportDevicesToBlob(ctx context.Context, outputBlobURL string, excludeKeys bool) (*Job, error) {
	return r.createJob(ctx, &Job{
		Type:                   "export",
		OutputBlobContainerURI: outputBlobURL,
		ExcludeKeysInExport:    excludeKeys,
	})
}

func (r *RegistryManager) createJob(ctx context.Context, job *Job) (*Job, error) {
	if job.OutputBlobContainerURI == "" {
		return nil, fmt.Errorf("%w: output blob container is empty", ErrInvalidArg)
	}
	var res Job
	if _, err := r.call(ctx, http.MethodPost, "jobs/create", nil, job, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RegistryManager) ListJobs(ctx context.Context) ([]*Job, error) {
	var res []*Job
	if _, err := r.call(ctx, http.MethodGet, "jobs", nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RegistryManager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var res Job
	if _, err := r.call(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RegistryManager) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var res Job
	if _, err := r.call(ctx, http.MethodDelete, "jobs/"+url.PathEscape(jobID), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func devicePath(deviceID string) string {
	return "devices/" + url.PathEscape(deviceID)
}

func modulePath(deviceID, moduleID string) string {
	return "devices/" + url.PathEscape(deviceID) + "/modules/" + url.PathEscape(moduleID)
}

func twinPath(deviceID, moduleID string) string {
	if moduleID == "" {
		return "twins/" + url.PathEscape(deviceID)
	}
	return "twins/" + url.PathEscape(deviceID) + "/modules/" + url.PathEscape(moduleID)
}

func configurationPath(configID string) string {
	return "configurations/" + url.PathEscape(configID)
}

// NewSymmetricKey generates a random base64 encoded device key.
func NewSymmetricKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
