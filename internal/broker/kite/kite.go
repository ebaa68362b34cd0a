// Package kite implements the broker gateway against the Kite Connect HTTP
// API v3 and its binary WebSocket feed. Authentication (the login/token
// exchange flow) happens outside this process; the client only consumes an
// access token, either directly or from the token file the login tool
// maintains.
package kite

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"saros/internal/broker"
	"saros/internal/util"
)

// Compile-time interface check.
var _ broker.Broker = (*Client)(nil)

// Config carries credentials and endpoints for the venue.
type Config struct {
	APIKey      string
	AccessToken string
	TokenFile   string
	BaseURL     string
	WSURL       string
	Exchange    string // default exchange prefix for quote lookups, e.g. "NFO"
}

// Client talks to the Kite Connect REST API. It is safe for concurrent use.
type Client struct {
	apiKey      string
	accessToken string
	baseURL     string
	wsURL       string
	exchange    string
	httpc       *http.Client
	limiter     *util.RateLimiter
	log         *slog.Logger

	// sessionOK drops to false the first time the venue answers with a
	// token error; the engine reads it once per loop iteration.
	sessionOK atomic.Bool
}

// New builds a Client from cfg, resolving the access token from the token
// file when it is not set directly. The venue allows roughly 3 requests per
// second, which the client enforces itself.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "kite")

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kite: api key is required")
	}
	token := cfg.AccessToken
	if token == "" && cfg.TokenFile != "" {
		t, err := LoadTokenFile(cfg.TokenFile)
		if err != nil {
			log.Warn("loading token file", "path", cfg.TokenFile, "error", err)
		} else {
			token = t
		}
	}

	c := &Client{
		apiKey:      cfg.APIKey,
		accessToken: token,
		baseURL:     cfg.BaseURL,
		wsURL:       cfg.WSURL,
		exchange:    cfg.Exchange,
		httpc:       &http.Client{Timeout: 10 * time.Second},
		limiter:     util.NewRateLimiter(3),
		log:         log,
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.kite.trade"
	}
	if c.wsURL == "" {
		c.wsURL = "wss://ws.kite.trade"
	}
	if c.exchange == "" {
		c.exchange = "NFO"
	}
	c.sessionOK.Store(token != "")
	return c, nil
}

// Name returns "kite".
func (c *Client) Name() string { return "kite" }

// tokenFile is the JSON document the external login tool writes each morning.
type tokenFile struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Date        string `json:"date"`
}

// LoadTokenFile reads an access token written by the login tool. Tokens
// expire at the venue overnight, so a date stamp from a previous day is
// rejected.
func LoadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("parsing token file: %w", err)
	}
	if tf.AccessToken == "" {
		return "", fmt.Errorf("token file has no access_token")
	}
	// Venue sessions expire overnight, so the stamp is checked against the
	// venue's calendar day, not the host's.
	loc, lerr := time.LoadLocation("Asia/Kolkata")
	if lerr != nil {
		loc = time.UTC
	}
	if tf.Date != "" && tf.Date != time.Now().In(loc).Format("2006-01-02") {
		return "", fmt.Errorf("token dated %s is stale", tf.Date)
	}
	return tf.AccessToken, nil
}
