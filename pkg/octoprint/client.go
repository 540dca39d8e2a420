package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/printfarm/pkg/models"
)

// DefaultTimeout bounds every call to a device
const DefaultTimeout = 10 * time.Second

var (
	// ErrDeviceUnreachable is returned on network failure or timeout.
	// Callers treat it as observedState = offline.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrUnsupportedFile rejects uploads that are not G-code
	ErrUnsupportedFile = errors.New("unsupported file type")
	// ErrNothingSelected is returned by Start without a file name
	ErrNothingSelected = errors.New("no file selected")
)

// AllowedExtensions are the file types a device accepts
var AllowedExtensions = []string{".gcode", ".g", ".bgcode"}

// APIError is a non-2xx response from the device
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device returned status %d: %s", e.StatusCode, e.Body)
}

// Printer is the set of verbs the scheduler and the HTTP layer use on a device
type Printer interface {
	GetStatus(ctx context.Context) (*Status, error)
	UploadAndSelect(ctx context.Context, path string) (string, error)
	Start(ctx context.Context, name string) error
	Cancel(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ListFiles(ctx context.Context) ([]RemoteFile, error)
	DeleteFile(ctx context.Context, name string) error
}

// Status is one observation of a device
type Status struct {
	State        models.DeviceState     `json:"state"`
	StateText    string                 `json:"state_text"`
	FileName     string                 `json:"file_name,omitempty"`
	Progress     *float64               `json:"progress,omitempty"`
	PrintTime    int                    `json:"print_time_seconds,omitempty"`
	TimeLeft     int                    `json:"print_time_left_seconds,omitempty"`
	Temperatures map[string]Temperature `json:"temperatures,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// HasActiveFile reports whether the device has a file loaded
func (s *Status) HasActiveFile() bool {
	return s.FileName != ""
}

// Temperature is a tool or bed reading
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// RemoteFile is a file stored on the device
type RemoteFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Date   int64  `json:"date"`
	Origin string `json:"origin"`
}

// Client talks to one OctoPrint instance
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the device at baseURL
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type printerResponse struct {
	State struct {
		Text string `json:"text"`
	} `json:"state"`
	Temperature map[string]Temperature `json:"temperature"`
}

type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`
		PrintTimeLeft *int     `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

// GetStatus reads /api/printer and /api/job.
// A 409 from /api/printer means the printer is not connected and is reported as offline.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{Timestamp: time.Now().UTC()}

	var printer printerResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/printer", nil, &printer)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		status.State = models.DeviceOffline
		status.StateText = "Offline"
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.StateText = printer.State.Text
	status.State = models.ParseDeviceState(printer.State.Text)
	status.Temperatures = printer.Temperature

	var job jobResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/job", nil, &job); err != nil {
		return nil, err
	}
	status.FileName = job.Job.File.Name
	status.Progress = job.Progress.Completion
	if job.Progress.PrintTime != nil {
		status.PrintTime = *job.Progress.PrintTime
	}
	if job.Progress.PrintTimeLeft != nil {
		status.TimeLeft = *job.Progress.PrintTimeLeft
	}
	return status, nil
}

// UploadAndSelect uploads a local G-code file and returns the name Start
// expects. The file is sent with select=false and print=false so nothing runs yet.
func (c *Client) UploadAndSelect(ctx context.Context, path string) (string, error) {
	name := filepath.Base(path)
	if !Supported(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Ext(name))
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	_ = w.WriteField("select", "false")
	_ = w.WriteField("print", "false")
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/files/local", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.do(req, nil); err != nil {
		return "", err
	}
	return name, nil
}

// Start selects an uploaded file by name and starts printing it
func (c *Client) Start(ctx context.Context, name string) error {
	if name == "" {
		return ErrNothingSelected
	}
	cmd := map[string]interface{}{"command": "select", "print": true}
	return c.doJSON(ctx, http.MethodPost, "/api/files/local/"+url.PathEscape(name), cmd, nil)
}

// Cancel aborts the running print
func (c *Client) Cancel(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/job", map[string]string{"command": "cancel"}, nil)
}

// Pause pauses the running print
func (c *Client) Pause(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/job", map[string]string{"command": "pause", "action": "pause"}, nil)
}

// Resume resumes a paused print
func (c *Client) Resume(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/job", map[string]string{"command": "pause", "action": "resume"}, nil)
}

// ListFiles lists files stored on the device
func (c *Client) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	var result struct {
		Files []RemoteFile `json:"files"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/files", nil, &result); err != nil {
		return nil, err
	}
	if result.Files == nil {
		result.Files = []RemoteFile{}
	}
	return result.Files, nil
}

// DeleteFile removes a file from the device's local storage
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/files/local/"+url.PathEscape(name), nil, nil)
}

// Supported reports whether name has an accepted G-code extension
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDeviceUnreachable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTransportError(err) {
			return fmt.Errorf("%w: %s %s: reading response: %v", ErrDeviceUnreachable, req.Method, req.URL.Path, err)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// isTransportError reports whether a body read failed because of the
// connection rather than the payload.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var _ Printer = (*Client)(nil)
