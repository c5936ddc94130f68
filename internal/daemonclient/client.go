package daemonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/pipeline"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

const apiKeyHeader = "X-API-KEY"

// Client is the Node daemon's handle to Master. It satisfies
// pipeline.MasterClient, pipeline.ProgressReporter, and
// nodesched.SiteSource so the daemon can wire one value into all three.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	apiKey  string
}

// New builds a Client against baseURL (e.g. "https://master.example.com").
// apiKey may be empty before enrollment completes; set it via SetAPIKey
// once PollJoinStatus returns one.
func New(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = &leveledLogger{logger: log.WithComponent("daemonclient")}

	return &Client{http: rc, baseURL: baseURL, apiKey: apiKey}
}

// SetAPIKey installs the key obtained via PollJoinStatus.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l *leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(fieldMap(kv)).Msg(msg) }
func (l *leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Info().Fields(fieldMap(kv)).Msg(msg) }
func (l *leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug().Fields(fieldMap(kv)).Msg(msg) }
func (l *leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(fieldMap(kv)).Msg(msg) }

// fieldMap converts retryablehttp's alternating key/value slice into the
// map zerolog's Fields expects.
func fieldMap(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}, authed bool) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.Fatal, err, "encode request body")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Fatal, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Transient, err, "master request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody ferrors.Body
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return resp.StatusCode, ferrors.New(kindForStatus(resp.StatusCode), detailOrStatus(errBody, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, ferrors.Wrap(ferrors.Fatal, err, "decode response body")
		}
	}
	return resp.StatusCode, nil
}

func detailOrStatus(body ferrors.Body, status int) string {
	if body.Detail != "" {
		return body.Detail
	}
	return fmt.Sprintf("master returned status %d", status)
}

func kindForStatus(status int) ferrors.Kind {
	switch status {
	case http.StatusConflict:
		return ferrors.Conflict
	case http.StatusUnprocessableEntity:
		return ferrors.QuotaExceeded
	case http.StatusServiceUnavailable:
		return ferrors.Transient
	default:
		return ferrors.Fatal
	}
}

// --- Enrollment ---

// JoinRequestResult is the wire response of POST /nodes/join-request.
type JoinRequestResult struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
}

// JoinRequest posts this Node's hostname and address to Master's public
// join endpoint and returns the opaque request id and the 5-character
// registration code to display on the console.
func (c *Client) JoinRequest(ctx context.Context, hostname, address string) (JoinRequestResult, error) {
	var out JoinRequestResult
	_, err := c.do(ctx, http.MethodPost, "/nodes/join-request", map[string]string{
		"hostname": hostname,
		"address":  address,
	}, &out, false)
	return out, err
}

// JoinStatus is the wire response of GET /nodes/status/code/{code}.
type JoinStatus struct {
	Status types.NodeStatus `json:"status"`
	APIKey string           `json:"api_key,omitempty"` // present exactly once, on first ACTIVE observation
}

// PollJoinStatus checks this Node's approval status by registration code.
// The caller is expected to loop this until Status is ACTIVE; the
// plaintext key is only ever present in the first response that observes
// ACTIVE.
func (c *Client) PollJoinStatus(ctx context.Context, code string) (JoinStatus, error) {
	var out JoinStatus
	_, err := c.do(ctx, http.MethodGet, "/nodes/status/code/"+code, nil, &out, false)
	return out, err
}

// --- Site inventory ---

type siteWire struct {
	ID                int64          `json:"id"`
	UUID              string         `json:"uuid"`
	Name              string         `json:"name"`
	Timezone          string         `json:"timezone"`
	WPConfigPath      string         `json:"wp_config_path"`
	WPContentPath     string         `json:"wp_content_path"`
	DBHost            string         `json:"db_host"`
	DBName            string         `json:"db_name"`
	DBUser            string         `json:"db_user"`
	DBPassword        string         `json:"db_password"`
	StorageQuotaBytes int64          `json:"storage_quota_bytes"`
	StorageUsedBytes  int64          `json:"storage_used_bytes"`
	StorageProviderID int64          `json:"storage_provider_id"`
	Schedule          types.Schedule `json:"schedule"`
}

func (w siteWire) toSite() types.Site {
	return types.Site{
		ID:                w.ID,
		UUID:              w.UUID,
		Name:              w.Name,
		Timezone:          w.Timezone,
		WPConfigPath:      w.WPConfigPath,
		WPContentPath:     w.WPContentPath,
		DBHost:            w.DBHost,
		DBName:            w.DBName,
		DBUser:            w.DBUser,
		DBPassword:        w.DBPassword,
		StorageQuotaBytes: w.StorageQuotaBytes,
		StorageUsedBytes:  w.StorageUsedBytes,
		StorageProviderID: w.StorageProviderID,
		Schedule:          w.Schedule,
	}
}

// ListSites fetches the sites assigned to this Node, satisfying
// nodesched.SiteSource. Master is the sole owner of Site records; the
// daemon keeps no durable copy.
func (c *Client) ListSites(ctx context.Context) ([]types.Site, error) {
	var wire []siteWire
	if _, err := c.do(ctx, http.MethodGet, "/nodes/sites", nil, &wire, true); err != nil {
		return nil, err
	}
	sites := make([]types.Site, 0, len(wire))
	for _, w := range wire {
		sites = append(sites, w.toSite())
	}
	return sites, nil
}

// --- Storage credentials ---

type storageConfigWire struct {
	Type      types.StorageProviderType `json:"type"`
	Endpoint  string                    `json:"endpoint"`
	Region    string                    `json:"region"`
	Bucket    string                    `json:"bucket"`
	AccessKey string                    `json:"access_key"`
	SecretKey string                    `json:"secret_key"`
}

// FetchStorageCredentials retrieves plaintext credentials for siteID's
// assigned provider over TLS; the Node never writes them to disk and
// holds them only for the duration of the upload stage that called this.
func (c *Client) FetchStorageCredentials(ctx context.Context, siteID int64) (pipeline.StorageCredentials, error) {
	var wire storageConfigWire
	path := fmt.Sprintf("/nodes/storage-config?site_id=%d", siteID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &wire, true); err != nil {
		return pipeline.StorageCredentials{}, err
	}
	return pipeline.StorageCredentials{
		Type:      wire.Type,
		Endpoint:  wire.Endpoint,
		Region:    wire.Region,
		Bucket:    wire.Bucket,
		AccessKey: wire.AccessKey,
		SecretKey: wire.SecretKey,
	}, nil
}

// --- Quota preflight ---

type quotaCheckWire struct {
	WithinQuota bool   `json:"within_quota"`
	Detail      string `json:"detail,omitempty"`
}

// RequirePreflight asks Master to project estimatedBytes against siteID's
// quota and returns a *ferrors.Error of kind QuotaExceeded if either the
// site or node bound would be exceeded.
func (c *Client) RequirePreflight(ctx context.Context, siteID, estimatedBytes int64) error {
	var wire quotaCheckWire
	path := fmt.Sprintf("/sites/%d/quota/check?estimated_bytes=%d", siteID, estimatedBytes)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &wire, true); err != nil {
		return err
	}
	if !wire.WithinQuota {
		detail := wire.Detail
		if detail == "" {
			detail = "projected usage exceeds site or node quota"
		}
		return ferrors.New(ferrors.QuotaExceeded, detail)
	}
	return nil
}

// --- Job lifecycle / progress ---

type startJobWire struct {
	Epoch int64 `json:"epoch"`
}

// StartJob begins a backup for siteID, satisfying pipeline.ProgressReporter.
// Master returns 409 (surfaced as ferrors.Conflict) if the site's progress
// row is already RUNNING.
func (c *Client) StartJob(ctx context.Context, siteID int64) (int64, error) {
	var wire startJobWire
	path := fmt.Sprintf("/sites/%d/backup/start", siteID)
	if _, err := c.do(ctx, http.MethodPost, path, nil, &wire, true); err != nil {
		return 0, err
	}
	return wire.Epoch, nil
}

type progressReportWire struct {
	Epoch           int64   `json:"epoch"`
	State           string  `json:"state,omitempty"`
	Stage           string  `json:"stage,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	Message         string  `json:"message,omitempty"`
	BytesProcessed  int64   `json:"bytes_processed"`
	BytesTotal      int64   `json:"bytes_total"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	ObjectPath      string  `json:"object_path,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
}

type progressReportResult struct {
	CancellationRequested bool `json:"cancellation_requested"`
}

// ReportProgress pushes one progress update and doubles as the
// cancellation checkpoint: its bool return mirrors the progress row's
// CancellationRequested flag, so the pipeline engine never needs a
// separate poll between stages.
func (c *Client) ReportProgress(ctx context.Context, siteID, epoch int64, update pipeline.ProgressUpdate) (bool, error) {
	wire := progressReportWire{
		Epoch:           epoch,
		State:           string(types.ProgressRunning),
		Stage:           update.Stage,
		ProgressPercent: update.ProgressPercent,
		Message:         update.Message,
		BytesProcessed:  update.BytesProcessed,
		BytesTotal:      update.BytesTotal,
	}
	var result progressReportResult
	path := fmt.Sprintf("/daemon/backup/progress/%d", siteID)
	if _, err := c.do(ctx, http.MethodPost, path, wire, &result, true); err != nil {
		return false, err
	}
	return result.CancellationRequested, nil
}

// ReportTerminal records the job's terminal state. Master treats this as
// a write at the current epoch; a stale epoch (a zombie job reporting
// after a fresher one started) is not applied, and Master's 409 answer is
// returned as an error.
func (c *Client) ReportTerminal(ctx context.Context, siteID, epoch int64, state types.ProgressState, errorKind, errorMessage string, result pipeline.TerminalResult) error {
	wire := progressReportWire{
		Epoch:           epoch,
		State:           string(state),
		ProgressPercent: terminalPercent(state),
		ErrorKind:       errorKind,
		ErrorMessage:    errorMessage,
		ObjectPath:      result.ObjectPath,
		SizeBytes:       result.SizeBytes,
	}
	path := fmt.Sprintf("/daemon/backup/progress/%d", siteID)
	_, err := c.do(ctx, http.MethodPost, path, wire, nil, true)
	return err
}

func terminalPercent(state types.ProgressState) float64 {
	if state == types.ProgressCompleted {
		return 100
	}
	return 0
}
