package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// RemoteConfig holds the remote API backend settings.
type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Remote stores values through a REST key/value API:
//
//	PUT    /kv/{key}        raw body
//	GET    /kv/{key}        200 body, 404 absent
//	HEAD   /kv/{key}
//	DELETE /kv/{key}
//	GET    /kv?prefix=...   {"keys": [...]}
//
// Partitioning and the latest slot are the server's concern.
type Remote struct {
	client *resty.Client
}

type listResponse struct {
	Keys []string `json:"keys"`
}

// NewRemote creates a remote backend client.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote storage: empty base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(timeout)
	client.SetJSONMarshaler(json.Marshal)
	client.SetJSONUnmarshaler(json.Unmarshal)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Remote{client: client}, nil
}

func (r *Remote) request(ctx context.Context, key string) *resty.Request {
	return r.client.R().SetContext(ctx).SetPathParam("key", key)
}

func (r *Remote) Save(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	resp, err := r.request(ctx, key).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(value).
		Put("/kv/{key}")
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Remote save failed")
		return err
	}
	if resp.IsError() {
		err := fmt.Errorf("remote storage: save %s: status %d", key, resp.StatusCode())
		log.Warn().Err(err).Msg("Remote save rejected")
		return err
	}
	return nil
}

func (r *Remote) Load(ctx context.Context, key string) ([]byte, bool) {
	resp, err := r.request(ctx, key).Get("/kv/{key}")
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Remote load failed")
		return nil, false
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, false
	}
	if resp.IsError() {
		log.Warn().Int("status", resp.StatusCode()).Str("key", key).Msg("Remote load rejected")
		return nil, false
	}
	return resp.Body(), true
}

func (r *Remote) Delete(ctx context.Context, key string) error {
	resp, err := r.request(ctx, key).Delete("/kv/{key}")
	if err != nil {
		return err
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("remote storage: delete %s: status %d", key, resp.StatusCode())
	}
	return nil
}

func (r *Remote) List(ctx context.Context, prefix string) ([]string, error) {
	var out listResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("prefix", prefix).
		SetResult(&out).
		Get("/kv")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote storage: list: status %d", resp.StatusCode())
	}
	return out.Keys, nil
}

func (r *Remote) Exists(ctx context.Context, key string) bool {
	resp, err := r.request(ctx, key).Head("/kv/{key}")
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Remote exists check failed")
		return false
	}
	return resp.StatusCode() == http.StatusOK
}
