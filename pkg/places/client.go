// Package places is a client for the Google Places API (New), covering the
// text search and place details operations the discovery pipeline uses.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// PageSize is the maximum number of places one text search page returns.
const PageSize = 20

// searchFieldMask keeps text search responses lean; details are fetched
// per-place with detailsFieldMask.
const searchFieldMask = "places.id,places.displayName,places.formattedAddress,places.businessStatus,nextPageToken"

const detailsFieldMask = "id,displayName,formattedAddress,websiteUri,nationalPhoneNumber,rating,userRatingCount,regularOpeningHours,types,businessStatus"

// Client performs Places API operations.
type Client interface {
	// TextSearch runs one page of a text query. Pass the previous
	// response's NextPageToken to continue; an empty token starts over.
	TextSearch(ctx context.Context, query string, pageToken string) (*TextSearchResponse, error)

	// PlaceDetails fetches the full record for one place.
	PlaceDetails(ctx context.Context, placeID string) (*Place, error)
}

// APIError is a non-2xx response from the Places API. Callers classify it
// by status code to decide whether a retry can help.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("places: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type textSearchRequest struct {
	TextQuery string `json:"textQuery"`
	PageSize  int    `json:"pageSize"`
	PageToken string `json:"pageToken,omitempty"`
}

func (c *httpClient) TextSearch(ctx context.Context, query string, pageToken string) (*TextSearchResponse, error) {
	body, err := json.Marshal(textSearchRequest{
		TextQuery: query,
		PageSize:  PageSize,
		PageToken: pageToken,
	})
	if err != nil {
		return nil, eris.Wrap(err, "places: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", searchFieldMask)

	var result TextSearchResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) PlaceDetails(ctx context.Context, placeID string) (*Place, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/places/"+url.PathEscape(placeID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", detailsFieldMask)

	var result Place
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "places: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "places: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "places: unmarshal response")
	}
	return nil
}
