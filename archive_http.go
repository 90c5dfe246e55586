package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentPages bounds the parallel day-page requests of one refresh
const maxConcurrentPages = 4

// HTTPArchiveSource pulls the archive from the backend HTTP API
type HTTPArchiveSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPArchiveSource creates a source for the backend at baseURL
func NewHTTPArchiveSource(baseURL string, timeout time.Duration) (*HTTPArchiveSource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base_url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPArchiveSource{
		baseURL: u.String(),
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// get performs a GET and returns the body of a 200 response. found is false on 404.
func (h *HTTPArchiveSource) get(ctx context.Context, path string, query url.Values) (body []byte, found bool, err error) {
	target := h.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("backend %s returned status %d", path, resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// FetchRows requests every day page concurrently and concatenates them in day order. Any failed
// page fails the whole refresh so that partial archives never replace a complete one. A row that
// does not decode is skipped on its own.
func (h *HTTPArchiveSource) FetchRows(ctx context.Context, device string, days []time.Time) ([]ArchiveRow, int, error) {
	pages := make([][]ArchiveRow, len(days))
	skips := make([]int, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPages)
	for i, day := range days {
		g.Go(func() error {
			query := url.Values{}
			query.Set("device", device)
			query.Set("day", day.Format(pageDayLayout))

			body, found, err := h.get(gctx, "/api/archive/rows", query)
			if err != nil {
				return fmt.Errorf("day %s: %w", day.Format(dayLayout), err)
			}
			if !found {
				return nil
			}

			rows, skipped, err := DecodeArchiveJSON(body)
			if err != nil {
				return fmt.Errorf("day %s: %w", day.Format(dayLayout), err)
			}
			if skipped > 0 && DebugMode {
				log.Printf("DEBUG: Archive: %s day %s: skipped %d malformed rows", device, day.Format(dayLayout), skipped)
			}
			pages[i] = rows
			skips[i] = skipped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var rows []ArchiveRow
	total := 0
	for i, page := range pages {
		rows = append(rows, page...)
		total += skips[i]
	}
	return rows, total, nil
}

// FetchCumulativeDamage requests the persisted damage curve of device
func (h *HTTPArchiveSource) FetchCumulativeDamage(ctx context.Context, device string) (*DamageCurve, error) {
	query := url.Values{}
	query.Set("device", device)

	body, found, err := h.get(ctx, "/api/archive/damage", query)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoCumulativeDamage
	}

	var curve DamageCurve
	if err := json.Unmarshal(body, &curve); err != nil {
		return nil, fmt.Errorf("%w: damage curve: %v", ErrInvalidPayload, err)
	}
	if curve.Directions == nil || curve.Damages == nil {
		return nil, ErrNoCumulativeDamage
	}
	return &curve, nil
}

// FetchDeviceConfig requests the backend configuration
func (h *HTTPArchiveSource) FetchDeviceConfig(ctx context.Context) (*DeviceConfig, error) {
	body, found, err := h.get(ctx, "/api/config", nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotSupported
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("%w: device config: %v", ErrInvalidPayload, err)
	}
	return &cfg, nil
}

// FetchWindStatus requests the wind service status
func (h *HTTPArchiveSource) FetchWindStatus(ctx context.Context) (*WindStatus, error) {
	body, found, err := h.get(ctx, "/api/wind", nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotSupported
	}
	return decodeWindStatus(body)
}
