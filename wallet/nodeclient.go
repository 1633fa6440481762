package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slatewire/slatewire/slate"
)

// DefaultNodeTimeout bounds a single request to the node.
const DefaultNodeTimeout = 20 * time.Second

// NodeClient is the wallet's view of the chain node.
type NodeClient interface {
	// PostTx hands a finalized transaction to the node's pool.
	PostTx(ctx context.Context, tx *slate.Transaction) error

	// ChainHeight returns the height of the node's chain tip.
	ChainHeight(ctx context.Context) (uint64, error)
}

// HTTPNodeClient talks to the REST API of a node.
type HTTPNodeClient struct {
	baseURL string
	client  *http.Client
}

// A compile time check to ensure HTTPNodeClient implements the NodeClient
// interface.
var _ NodeClient = (*HTTPNodeClient)(nil)

// NewHTTPNodeClient creates a client for the node API at baseURL.
func NewHTTPNodeClient(baseURL string, timeout time.Duration) *HTTPNodeClient {
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}

	return &HTTPNodeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type chainTip struct {
	Height uint64 `json:"height"`
}

// PostTx posts the transaction to the node's pool.
//
// NOTE: This is part of the NodeClient interface.
func (c *HTTPNodeClient) PostTx(ctx context.Context,
	tx *slate.Transaction) error {

	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/pool/push_tx",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, nil)
}

// ChainHeight returns the height of the chain tip.
//
// NOTE: This is part of the NodeClient interface.
func (c *HTTPNodeClient) ChainHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/v1/chain", nil,
	)
	if err != nil {
		return 0, err
	}

	var tip chainTip
	if err := c.do(req, &tip); err != nil {
		return 0, err
	}

	return tip.Height, nil
}

// do sends the request and decodes a JSON reply into out if it isn't nil.
func (c *HTTPNodeClient) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("node request %v %v: %w", req.Method,
			req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("node request %v %v: %v: %s", req.Method,
			req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
