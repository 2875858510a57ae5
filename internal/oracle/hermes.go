package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// hermesPrice is the price object shared by the Hermes REST and websocket
// payloads. Integers are sent as decimal strings.
type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesFeed struct {
	ID    string      `json:"id"`
	Price hermesPrice `json:"price"`
}

type hermesLatestResponse struct {
	Parsed []hermesFeed `json:"parsed"`
}

func (f hermesFeed) toObservation() (domain.PriceObservation, error) {
	price, err := strconv.ParseInt(f.Price.Price, 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("price %q: %w", f.Price.Price, err)
	}
	var conf uint64
	if f.Price.Conf != "" {
		if conf, err = strconv.ParseUint(f.Price.Conf, 10, 64); err != nil {
			return domain.PriceObservation{}, fmt.Errorf("conf %q: %w", f.Price.Conf, err)
		}
	}
	return domain.PriceObservation{
		FeedID:      NormalizeFeedID(f.ID),
		Price:       price,
		Confidence:  conf,
		Exponent:    f.Price.Expo,
		PublishTime: time.Unix(f.Price.PublishTime, 0).UTC(),
	}, nil
}

// HermesClient reads the latest price from a Pyth Hermes REST endpoint.
type HermesClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHermesClient creates a client for baseURL, e.g. "https://hermes.pyth.network".
func NewHermesClient(baseURL string) *HermesClient {
	return &HermesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Latest implements Source.
func (h *HermesClient) Latest(ctx context.Context, feedID string) (domain.PriceObservation, error) {
	params := url.Values{}
	params.Add("ids[]", NormalizeFeedID(feedID))
	params.Set("parsed", "true")

	body, err := h.doGet(ctx, "/v2/updates/price/latest?"+params.Encode())
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("oracle/hermes: latest %s: %w", feedID, err)
	}

	var resp hermesLatestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("oracle/hermes: decode: %w", err)
	}
	if len(resp.Parsed) == 0 {
		return domain.PriceObservation{}, fmt.Errorf("oracle/hermes: feed %s: %w", feedID, domain.ErrPriceUnavailable)
	}
	obs, err := resp.Parsed[0].toObservation()
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("oracle/hermes: feed %s: %w", feedID, err)
	}
	return obs, nil
}

func (h *HermesClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

var _ Source = (*HermesClient)(nil)
