package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

const accessKeyHeader = "Unidentified-Access-Key"

type restClient struct {
	config *config.Config
	log    *zap.SugaredLogger
	base   *url.URL
	client *http.Client
}

func newRestClient(c *config.Config) (*restClient, error) {
	base, err := url.Parse(c.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("transport: error parsing service url %s: %w", c.ServiceURL, err)
	}
	return &restClient{
		config: c,
		log:    c.Logger("transport/rest"),
		base:   base,
		client: &http.Client{Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond},
	}, nil
}

func (r *restClient) do(ctx context.Context, req *Request) (*Response, error) {
	u := *r.base
	u.Path = req.Path

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Verb, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("transport: error building request for %s: %w", req.Path, err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	switch {
	case req.Auth.AccessKey != nil:
		httpReq.Header.Set(accessKeyHeader, base64.StdEncoding.EncodeToString(req.Auth.AccessKey))
	case req.Auth.Basic != nil:
		httpReq.SetBasicAuth(req.Auth.Basic.Username, req.Auth.Basic.Password)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: error performing %s %s: %w", req.Verb, req.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: error reading response for %s: %w", req.Path, err)
	}
	r.log.Debugf("rest %s %s -> %d", req.Verb, req.Path, resp.StatusCode)
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}
