package civitai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charhub/populator/internal/pipeline/metrics"
)

// maxImageBytes caps a single candidate download.
const maxImageBytes = 32 << 20

// Client talks to the Civitai public API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Civitai API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ImageMeta is the subset of Civitai image metadata the pipeline reads.
type ImageMeta struct {
	ID       int64    `json:"id"`
	URL      string   `json:"url"`
	NSFW     string   `json:"nsfwLevel"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Tags     []string `json:"tags"`
	Username string   `json:"username"`
}

type imagesResponse struct {
	Items []ImageMeta `json:"items"`
}

// ListImages fetches a page of image metadata, optionally filtered by tag.
func (c *Client) ListImages(ctx context.Context, tag string, limit int) ([]ImageMeta, error) {
	endpoint := fmt.Sprintf("%s/images?limit=%d", c.baseURL, limit)
	if tag != "" {
		endpoint += "&tags=" + url.QueryEscape(tag)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	metrics.ProviderCalls.WithLabelValues("civitai").Inc()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("civitai network call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("civitai rate limit hit (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("civitai api error: status %d", resp.StatusCode)
	}

	var parsed imagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode civitai response: %w", err)
	}
	return parsed.Items, nil
}

// Download fetches the raw image bytes for a candidate.
func (c *Client) Download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	metrics.ProviderCalls.WithLabelValues("civitai").Inc()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("civitai image download network failure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("civitai rate limit hit (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("civitai api error: download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("invalid image: exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
