package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cewatcher/internal/metrics"
	"cewatcher/internal/storage"
	"cewatcher/internal/version"
)

// HTTPOptions parameterise the JSON rate service source.
type HTTPOptions struct {
	URL string
	// QueryPattern is a printf pattern receiving the quoted, comma separated ids.
	QueryPattern string
	Timeout      time.Duration
	UserAgent    string
	// MaxBodyBytes caps the response size. Defaults to 4 MiB.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 4 << 20

// HTTPSource polls a JSON service shaped as {"query":{"results":{"rate":...}}}.
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs the HTTP rate source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// BuildURL appends the query pattern filled with the quoted ids to the base URL.
func (h *HTTPSource) BuildURL(ids []string) string {
	specifiers := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		specifiers = append(specifiers, fmt.Sprintf("\"%s\"", id))
	}
	if len(specifiers) == 0 || h.opts.QueryPattern == "" {
		return h.opts.URL
	}
	return h.opts.URL + fmt.Sprintf(h.opts.QueryPattern, strings.Join(specifiers, ","))
}

// FetchRates requests the configured ids and extracts their observations.
func (h *HTTPSource) FetchRates(ctx context.Context, ids []string) (map[string]storage.RateObservation, error) {
	if h.opts.URL == "" {
		return nil, fmt.Errorf("%w: source url not configured", ErrFetch)
	}

	endpoint := h.BuildURL(ids)
	h.logger.Debug().Str("url", endpoint).Msg("pulling rates")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	limit := h.opts.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: response body exceeds %d bytes", ErrFetch, limit)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	entries, err := decodeRateEntries(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if len(entries) == 0 {
		h.logger.Warn().Msg("no rate results in the source response")
	}

	return h.match(ids, entries), nil
}

func (h *HTTPSource) match(ids []string, entries []rateEntry) map[string]storage.RateObservation {
	byID := make(map[string]rateEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	out := make(map[string]storage.RateObservation, len(ids))
	for _, id := range ids {
		entry, ok := byID[id]
		if !ok {
			metrics.MissingRatesTotal.WithLabelValues(id).Inc()
			h.logger.Warn().Str("rate_id", id).Msg("no result for rate of interest in source response")
			continue
		}
		value := parseRateValue(entry.Rate)
		if !value.Valid {
			h.logger.Warn().Str("rate_id", id).RawJSON("rate", nonEmptyJSON(entry.Rate)).Msg("rate value is not numeric")
		}
		out[id] = storage.RateObservation{ID: id, RawID: entry.ID, Value: value}
	}
	return out
}

type rateEnvelope struct {
	Query struct {
		Results *struct {
			Rate json.RawMessage `json:"rate"`
		} `json:"results"`
	} `json:"query"`
}

type rateEntry struct {
	ID   string          `json:"id"`
	Name string          `json:"Name"`
	Rate json.RawMessage `json:"Rate"`
}

// decodeRateEntries accepts query.results.rate as either one object or an array.
func decodeRateEntries(payload []byte) ([]rateEntry, error) {
	var env rateEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Query.Results == nil {
		return nil, nil
	}

	raw := bytes.TrimSpace(env.Query.Results.Rate)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var list []rateEntry
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode rate list: %w", err)
		}
		return list, nil
	}

	var single rateEntry
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode rate: %w", err)
	}
	return []rateEntry{single}, nil
}

// parseRateValue reads a JSON number or numeric string; anything else is invalid.
func parseRateValue(raw json.RawMessage) decimal.NullDecimal {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.NullDecimal{}
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.NullDecimal{}
		}
		text = strings.TrimSpace(text)
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null")
	}
	return raw
}

type errorResponse struct {
	Error struct {
		Description string `json:"description"`
	} `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Description != "" {
			return fmt.Errorf("%w: source error (%d): %s", ErrFetch, status, apiErr.Error.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%w: source error (%d): %s", ErrFetch, status, apiErr.Message)
		}
	}
	if body := strings.TrimSpace(string(payload)); body != "" {
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("%w: source error (%d): %s", ErrFetch, status, body)
	}
	return fmt.Errorf("%w: source error (%d)", ErrFetch, status)
}

var _ RateSource = (*HTTPSource)(nil)
