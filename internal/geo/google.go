package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/reimburse-agent/internal/httpkit"
)

// Google geocodes addresses with the Google Maps Geocoding API.
type Google struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGoogle creates a geocoder. An empty baseURL uses
// https://maps.googleapis.com.
func NewGoogle(baseURL, apiKey string) *Google {
	if baseURL == "" {
		baseURL = "https://maps.googleapis.com"
	}
	return &Google{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location Point `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Geocode returns the first result for address.
func (g *Google) Geocode(ctx context.Context, address string) (Point, error) {
	if strings.TrimSpace(address) == "" {
		return Point{}, fmt.Errorf("%w: empty address", ErrNoResults)
	}

	params := url.Values{
		"address": {address},
		"key":     {g.apiKey},
	}
	reqURL := g.baseURL + "/maps/api/geocode/json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Point{}, fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("geocode: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, fmt.Errorf("geocode: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var gr googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return Point{}, fmt.Errorf("geocode: decode response: %w", err)
	}

	switch gr.Status {
	case "OK":
	case "ZERO_RESULTS":
		return Point{}, fmt.Errorf("%w: %s", ErrNoResults, address)
	default:
		return Point{}, fmt.Errorf("geocode: status %s: %s", gr.Status, gr.ErrorMessage)
	}
	if len(gr.Results) == 0 {
		return Point{}, fmt.Errorf("%w: %s", ErrNoResults, address)
	}
	return gr.Results[0].Geometry.Location, nil
}
