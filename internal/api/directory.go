// Package api provides the HTTP client for the LiveATC directory API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/airport"
	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/go-resty/resty/v2"
)

const requestTimeout = 30 * time.Second

// ErrAirportNotFound is returned when the directory does not know the airport.
var ErrAirportNotFound = errors.New("airport not found")

// DirectoryClient talks to the airport directory service.
type DirectoryClient struct {
	client *resty.Client
}

// NewDirectoryClient creates a client for baseURL, which includes the /api
// prefix. An empty baseURL uses the local default.
func NewDirectoryClient(baseURL string) *DirectoryClient {
	if baseURL == "" {
		baseURL = config.DefaultDirectoryBaseURL
	}
	return &DirectoryClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(requestTimeout).
			SetHeader("Accept", "application/json"),
	}
}

// GetAirport fetches an airport and its channels from the directory cache.
func (c *DirectoryClient) GetAirport(icao string) (*airport.Airport, error) {
	icao = airport.NormalizeICAO(icao)
	resp, err := c.client.R().
		SetPathParam("icao", icao).
		Get("/airport/{icao}")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch airport %s: %w", icao, err)
	}
	return decodeAirport(icao, resp)
}

// RefreshAirport asks the directory to re-crawl LiveATC for the airport and
// returns the updated record.
func (c *DirectoryClient) RefreshAirport(icao string) (*airport.Airport, error) {
	icao = airport.NormalizeICAO(icao)
	resp, err := c.client.R().
		SetPathParam("icao", icao).
		Post("/airport/{icao}")
	if err != nil {
		return nil, fmt.Errorf("failed to refresh airport %s: %w", icao, err)
	}
	return decodeAirport(icao, resp)
}

// Search queries the directory. Queries shorter than three characters
// return an empty result without a request.
func (c *DirectoryClient) Search(query string) (*airport.SearchResult, error) {
	query = strings.TrimSpace(query)
	if len(query) < 3 {
		return &airport.SearchResult{Query: query}, nil
	}

	resp, err := c.client.R().Get("/search/" + url.PathEscape(query))
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", query, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var result airport.SearchResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return &result, nil
}

func decodeAirport(icao string, resp *resty.Response) (*airport.Airport, error) {
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", icao, ErrAirportNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var a airport.Airport
	if err := json.Unmarshal(resp.Body(), &a); err != nil {
		return nil, fmt.Errorf("failed to parse airport response: %w", err)
	}
	return &a, nil
}
