// Package forward relays requests to the instance owning the session
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/umputun/dbrelay/pkg/errors"
)

// Header marks a forwarded request with the name of the forwarding instance
const Header = "X-Dbrelay-Forwarded"

// APIPath is the path of the request endpoint on every instance
const APIPath = "/api"

// Forwarder posts request envelopes to other instances
type Forwarder struct {
	instance string
	client   *retryablehttp.Client
}

// Opts defines forwarding client parameters
type Opts struct {
	Timeout  time.Duration
	Retries  int
	RetryMin time.Duration
	RetryMax time.Duration
}

// New makes forwarder for the local instance
func New(instance string, opts Opts) *Forwarder {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	if opts.RetryMin > 0 {
		client.RetryWaitMin = opts.RetryMin
	}
	if opts.RetryMax > 0 {
		client.RetryWaitMax = opts.RetryMax
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.Logger = log.Default()
	return &Forwarder{instance: instance, client: client}
}

// Forward posts the request envelope to the endpoint of the owner instance and returns the response
// body verbatim. Any failure to get a 200 response is ErrTransport.
func (f *Forwarder) Forward(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	url := strings.TrimSuffix(endpoint, "/") + APIPath
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTransport, "can't make forward request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(Header, f.instance)

	st := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTransport, "can't forward to "+url)
	}
	defer resp.Body.Close() // nolint

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTransport, "can't read forwarded response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrTransport, "forward to %s failed, status %d", url, resp.StatusCode)
	}
	log.Printf("[DEBUG] forwarded to %s in %v", url, time.Since(st))
	return data, nil
}

// String returns forwarder description for logs
func (f *Forwarder) String() string {
	return fmt.Sprintf("forwarder{instance: %s, retries: %d, timeout: %v}", f.instance, f.client.RetryMax,
		f.client.HTTPClient.Timeout)
}
