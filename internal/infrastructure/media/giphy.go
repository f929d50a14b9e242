package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chanrelay/internal/core/ports"
	"chanrelay/pkg/circuitbreaker"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

var errNoResult = errors.New("no gif found")

type GiphyConfig struct {
	APIKey  string
	URL     string
	Timeout time.Duration
}

// GiphyLookup resolves "/giphy" queries to an embeddable gif URL. Repeated failures
// open a breaker so a dead API costs nothing.
type GiphyLookup struct {
	cfg     GiphyConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.MediaLookup = (*GiphyLookup)(nil)

func NewGiphyLookup(cfg GiphyConfig, logger *zap.SugaredLogger) *GiphyLookup {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.Timeout = time.Minute
	breakerCfg.IsFailure = func(err error) bool {
		return !errors.Is(err, errNoResult) && !errors.Is(err, context.Canceled)
	}

	l := &GiphyLookup{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(breakerCfg),
		logger:  logger,
	}
	l.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("giphy circuit breaker state changed", "from", from, "to", to)
	})
	return l
}

func (l *GiphyLookup) Lookup(ctx context.Context, query string) (string, bool) {
	link, err := circuitbreaker.Run(l.breaker, func() (string, error) {
		return l.fetch(ctx, query)
	})
	if err != nil {
		if !errors.Is(err, errNoResult) {
			l.logger.Warnw("giphy lookup failed", "query", query, "error", err)
		}
		return "", false
	}
	return link, true
}

func (l *GiphyLookup) fetch(ctx context.Context, query string) (string, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid giphy url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", l.cfg.APIKey)
	q.Set("tag", query)
	q.Set("q", query)
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("giphy returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	return parseGiphyResponse(body)
}

type giphyGif struct {
	EmbedURL string `json:"embed_url"`
	Images   struct {
		Original struct {
			URL string `json:"url"`
		} `json:"original"`
	} `json:"images"`
}

// parseGiphyResponse accepts both the search shape (data is a list) and the random
// shape (data is one object).
func parseGiphyResponse(body []byte) (string, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("invalid giphy response: %w", err)
	}

	data := bytes.TrimSpace(envelope.Data)
	var gif giphyGif
	switch {
	case len(data) == 0:
		return "", errNoResult
	case data[0] == '[':
		var gifs []giphyGif
		if err := json.Unmarshal(data, &gifs); err != nil {
			return "", fmt.Errorf("invalid giphy response: %w", err)
		}
		if len(gifs) == 0 {
			return "", errNoResult
		}
		gif = gifs[0]
	default:
		if err := json.Unmarshal(data, &gif); err != nil {
			return "", fmt.Errorf("invalid giphy response: %w", err)
		}
	}

	if gif.EmbedURL != "" {
		return gif.EmbedURL, nil
	}
	if gif.Images.Original.URL != "" {
		return gif.Images.Original.URL, nil
	}
	return "", errNoResult
}
