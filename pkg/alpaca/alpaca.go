package alpaca

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNotConnected is returned when a telescope operation is attempted before Connect.
var ErrNotConnected = errors.New("telescope not connected")

// Client represents an ASCOM Alpaca telescope client.
// It implements the subset of the Alpaca REST API needed for rate-based
// axis control: connection management, MoveAxis and position readout.
// Reference: https://ascom-standards.org/Developer/Alpaca.htm
type Client struct {
	// baseURL is the Alpaca server root, e.g. "http://localhost:11111"
	baseURL string

	// deviceNumber selects the telescope device on the server
	deviceNumber int

	// clientID is a unique identifier for this client instance
	// Generated at client creation to comply with Alpaca specification
	clientID int

	// transactionID is incremented for every request
	transactionID atomic.Int32

	// httpClient is the HTTP client used for API requests
	httpClient *http.Client

	// connected tracks if we're currently connected to the telescope
	connected bool
}

// NewClient creates a new Alpaca telescope client.
func NewClient(baseURL string, deviceNumber int) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		deviceNumber: deviceNumber,
		clientID:     generateClientID(),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// generateClientID creates a unique client ID for this Alpaca session.
// The Alpaca specification requires each client to have a unique ID.
func generateClientID() int {
	return int(time.Now().Unix() % 2147483647)
}

// Connect establishes a connection to the telescope.
// Must be called before any other telescope operations.
// Implements: PUT /api/v1/telescope/{device_number}/connected
func (c *Client) Connect() error {
	params := url.Values{}
	params.Add("Connected", "true")

	resp, err := c.put("connected", params)
	if err != nil {
		return fmt.Errorf("failed to connect to telescope: %w", err)
	}
	if err := resp.Error(); err != nil {
		return err
	}

	c.connected = true
	return nil
}

// Disconnect closes the connection to the telescope.
// Implements: PUT /api/v1/telescope/{device_number}/connected
func (c *Client) Disconnect() error {
	if !c.connected {
		return nil
	}

	params := url.Values{}
	params.Add("Connected", "false")

	resp, err := c.put("connected", params)
	c.connected = false
	if err != nil {
		return fmt.Errorf("failed to disconnect from telescope: %w", err)
	}

	return resp.Error()
}

// Name returns the device name reported by the server.
// Implements: GET /api/v1/telescope/{device_number}/name
func (c *Client) Name() (string, error) {
	resp, err := c.get("name")
	if err != nil {
		return "", fmt.Errorf("failed to get name: %w", err)
	}
	if err := resp.Error(); err != nil {
		return "", err
	}

	name, ok := resp.Value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type for name")
	}
	return name, nil
}

// MoveAxis moves the telescope at a constant rate on a specified axis.
// axis: 0 = Azimuth (primary), 1 = Altitude (secondary)
// rate: speed in degrees per second (positive = CW/up, negative = CCW/down)
// Set rate to 0 to stop movement on that axis.
// Implements: PUT /api/v1/telescope/{device_number}/moveaxis
func (c *Client) MoveAxis(axis int, rate float64) error {
	if !c.connected {
		return ErrNotConnected
	}

	if axis < 0 || axis > 1 {
		return fmt.Errorf("invalid axis %d: must be 0 (azimuth) or 1 (altitude)", axis)
	}

	params := url.Values{}
	params.Add("Axis", strconv.Itoa(axis))
	params.Add("Rate", fmt.Sprintf("%.6f", rate))

	resp, err := c.put("moveaxis", params)
	if err != nil {
		return fmt.Errorf("failed to move axis: %w", err)
	}

	return resp.Error()
}

// StopAxes stops movement on both axes by setting their rates to 0.
func (c *Client) StopAxes() error {
	if err := c.MoveAxis(0, 0); err != nil {
		return fmt.Errorf("failed to stop azimuth axis: %w", err)
	}
	if err := c.MoveAxis(1, 0); err != nil {
		return fmt.Errorf("failed to stop altitude axis: %w", err)
	}
	return nil
}

// GetAltitude returns the telescope's current altitude.
// Implements: GET /api/v1/telescope/{device_number}/altitude
func (c *Client) GetAltitude() (float64, error) {
	return c.getFloat("altitude")
}

// GetAzimuth returns the telescope's current azimuth.
// Implements: GET /api/v1/telescope/{device_number}/azimuth
func (c *Client) GetAzimuth() (float64, error) {
	return c.getFloat("azimuth")
}

func (c *Client) getFloat(endpoint string) (float64, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}

	resp, err := c.get(endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", endpoint, err)
	}
	if err := resp.Error(); err != nil {
		return 0, err
	}

	v, ok := resp.Value.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected response type for %s", endpoint)
	}
	return v, nil
}

// getTransactionID returns the next client transaction ID.
// Alpaca requires transaction IDs to fit in a 32-bit signed integer.
func (c *Client) getTransactionID() int {
	return int(c.transactionID.Add(1))
}

func (c *Client) endpointURL(endpoint string) string {
	return fmt.Sprintf("%s/api/v1/telescope/%d/%s", c.baseURL, c.deviceNumber, endpoint)
}

// get performs an HTTP GET request to an Alpaca endpoint.
func (c *Client) get(endpoint string) (*alpacaResponse, error) {
	params := url.Values{}
	params.Add("ClientID", strconv.Itoa(c.clientID))
	params.Add("ClientTransactionID", strconv.Itoa(c.getTransactionID()))

	resp, err := c.httpClient.Get(c.endpointURL(endpoint) + "?" + params.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return parseAlpacaResponse(resp)
}

// put performs an HTTP PUT request to an Alpaca endpoint.
func (c *Client) put(endpoint string, params url.Values) (*alpacaResponse, error) {
	params.Set("ClientID", strconv.Itoa(c.clientID))
	params.Set("ClientTransactionID", strconv.Itoa(c.getTransactionID()))

	req, err := http.NewRequest(http.MethodPut, c.endpointURL(endpoint), strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return parseAlpacaResponse(resp)
}

// alpacaResponse represents the standard Alpaca API response format.
type alpacaResponse struct {
	// Value contains the response data (type varies by endpoint)
	Value interface{} `json:"Value"`

	// ClientTransactionID echoes back the client's transaction ID
	ClientTransactionID int `json:"ClientTransactionID"`

	// ServerTransactionID is the server's transaction ID
	ServerTransactionID int `json:"ServerTransactionID"`

	// ErrorNumber is non-zero if an error occurred
	ErrorNumber int `json:"ErrorNumber"`

	// ErrorMessage describes the error if ErrorNumber is non-zero
	ErrorMessage string `json:"ErrorMessage"`
}

// Error returns an error if the Alpaca response indicates failure.
func (r *alpacaResponse) Error() error {
	if r.ErrorNumber != 0 {
		return fmt.Errorf("alpaca error %d: %s", r.ErrorNumber, r.ErrorMessage)
	}
	return nil
}

func parseAlpacaResponse(resp *http.Response) (*alpacaResponse, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var alpacaResp alpacaResponse
	if err := json.Unmarshal(body, &alpacaResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &alpacaResp, nil
}
