// Package client talks to an agentd daemon over its public TCP channel or
// its privileged unix socket.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// socketBaseURL is the placeholder origin used for unix socket requests.
const socketBaseURL = "http://agentd"

// ErrNotFound is returned when the daemon rejects a command as not routable
// on the channel used.
var ErrNotFound = errors.New("command not found")

// Client sends commands to one daemon channel.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	// BaseURL of the public channel, e.g. http://host:8888.
	BaseURL string
	// Socket, when set, routes every request through the privileged unix
	// socket and BaseURL is ignored.
	Socket   string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8888",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. TLS setup failures are logged and the client falls
// back to the system roots.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if config.Socket != "" {
		sock := config.Socket
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		}
		baseURL = socketBaseURL
	} else if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: baseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the origin requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon answers health.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "url", c.baseURL, "error", err)
	}
	return err == nil
}

func (c *Client) Health(ctx context.Context) (string, error) {
	var s string
	err := c.call(ctx, http.MethodGet, "health", nil, &s)
	return s, err
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.call(ctx, http.MethodGet, "info", nil, &info)
	return info, err
}

// RunTask asks the daemon to spawn a task. The daemon acknowledges even
// when the spawn fails; check Info to observe the result.
func (c *Client) RunTask(ctx context.Context, req RunTaskRequest) error {
	return c.call(ctx, http.MethodPost, "run_task", req, nil)
}

func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	var s string
	err := c.call(ctx, http.MethodPost, "echo", map[string]string{"msg": msg}, &s)
	return s, err
}

// Stop asks the daemon to shut down. Privileged.
func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "stop", nil, nil)
}

// RegisterProcess confirms that pid started. Privileged.
func (c *Client) RegisterProcess(ctx context.Context, pid int) error {
	return c.call(ctx, http.MethodPost, "register_process", pidRequest{PID: pid}, nil)
}

// UnlinkProcess confirms that pid completed. Privileged.
func (c *Client) UnlinkProcess(ctx context.Context, pid int) error {
	return c.call(ctx, http.MethodPost, "unlink_process", pidRequest{PID: pid}, nil)
}

// StopRegisteredProcess terminates and unlinks a running pid. Privileged.
func (c *Client) StopRegisteredProcess(ctx context.Context, pid int) error {
	return c.call(ctx, http.MethodPost, "stop_registered_process", pidRequest{PID: pid}, nil)
}

// KillWaitingProcess terminates a pid that never registered. Privileged.
func (c *Client) KillWaitingProcess(ctx context.Context, pid int) error {
	return c.call(ctx, http.MethodPost, "kill_waiting_process", pidRequest{PID: pid}, nil)
}

// call sends one command and decodes the envelope's response into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, method, command string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}
	url := c.baseURL + "/" + command
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("%s: %w", command, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(command, resp); err != nil {
		return err
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode response: %w", command, err)
	}
	if env.Success != 1 {
		return fmt.Errorf("%s: unexpected envelope", command)
	}
	if out != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", command, err)
		}
	}
	return nil
}

func (c *Client) handleErrorResponse(command string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", command, ErrNotFound)
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("%s: HTTP %d", command, resp.StatusCode)
	}
	c.logger.Debug("API request failed", "command", command, "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("%s: API error: %s", command, errorResp.Error)
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicitly requested by the operator
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		// #nosec G402 explicitly requested by the operator
		tlsConfig.InsecureSkipVerify = true
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
