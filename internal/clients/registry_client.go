// internal/clients/registry_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"nowver/internal/chain"
	"nowver/internal/registry"
	"nowver/pkg/eventstore"
	"strconv"
)

// RegistryClient calls the registry HTTP API as one caller address.
type RegistryClient struct {
	baseURL    string
	caller     chain.Address
	httpClient *http.Client
}

func NewRegistryClient(baseURL string, caller chain.Address) *RegistryClient {
	return &RegistryClient{baseURL: baseURL, caller: caller, httpClient: http.DefaultClient}
}

// As returns a client sharing the connection settings but acting as caller.
func (c *RegistryClient) As(caller chain.Address) *RegistryClient {
	clone := *c
	clone.caller = caller
	return &clone
}

// APIError is a non-2xx response. It unwraps to the registry sentinel for its
// kind, so errors.Is(err, registry.ErrSoldOut) works across the wire.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return registry.ErrorForKind(e.Kind)
}

// Written is the event returned by a successful write.
type Written struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// Decode parses the event payload into its registry type.
func (w *Written) Decode() (registry.Event, error) {
	return registry.DecodeEvent(eventstore.Event{EventType: w.Type, EventData: w.Event})
}

func (c *RegistryClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !c.caller.IsZero() {
		req.Header.Set(registry.CallerHeader, c.caller.Hex())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp registry.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			apiErr.Message = fmt.Sprintf("unexpected status code: %d", resp.StatusCode)
		} else {
			apiErr.Kind = errResp.Error
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RegistryClient) write(ctx context.Context, method, path string, in interface{}) (registry.Event, error) {
	var written Written
	if err := c.do(ctx, method, path, in, &written); err != nil {
		return nil, err
	}
	return written.Decode()
}

func (c *RegistryClient) Summary(ctx context.Context) (*registry.Summary, error) {
	var summary registry.Summary
	if err := c.do(ctx, http.MethodGet, "/registry", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *RegistryClient) TokenClass(ctx context.Context, id registry.TokenID) (*registry.TokenClass, error) {
	var class registry.TokenClass
	if err := c.do(ctx, http.MethodGet, "/tokens/"+id.String(), nil, &class); err != nil {
		return nil, err
	}
	return &class, nil
}

func (c *RegistryClient) URI(ctx context.Context, id registry.TokenID) (string, error) {
	var resp struct {
		URI string `json:"uri"`
	}
	if err := c.do(ctx, http.MethodGet, "/tokens/"+id.String()+"/uri", nil, &resp); err != nil {
		return "", err
	}
	return resp.URI, nil
}

func (c *RegistryClient) BalanceOf(ctx context.Context, account chain.Address, id registry.TokenID) (uint64, error) {
	var holding registry.Holding
	if err := c.do(ctx, http.MethodGet, "/balances/"+account.Hex()+"/"+id.String(), nil, &holding); err != nil {
		return 0, err
	}
	return holding.Quantity, nil
}

func (c *RegistryClient) IsApprovedForAll(ctx context.Context, holder, operator chain.Address) (bool, error) {
	var resp struct {
		Approved bool `json:"approved"`
	}
	if err := c.do(ctx, http.MethodGet, "/approvals/"+holder.Hex()+"/"+operator.Hex(), nil, &resp); err != nil {
		return false, err
	}
	return resp.Approved, nil
}

func (c *RegistryClient) Audit(ctx context.Context) ([]registry.Violation, error) {
	var violations []registry.Violation
	if err := c.do(ctx, http.MethodGet, "/audit", nil, &violations); err != nil {
		return nil, err
	}
	return violations, nil
}

func (c *RegistryClient) Events(ctx context.Context, after int64, limit int) (*registry.FeedPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page registry.FeedPage
	if err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RegistryClient) RegisterToken(ctx context.Context, id registry.TokenID, maxSupply uint64, price chain.Amount) (registry.Event, error) {
	return c.write(ctx, http.MethodPost, "/tokens", struct {
		ID        registry.TokenID `json:"id"`
		MaxSupply uint64           `json:"max_supply"`
		Price     chain.Amount     `json:"price"`
	}{id, maxSupply, price})
}

func (c *RegistryClient) Mint(ctx context.Context, id registry.TokenID, payment chain.Amount) (registry.Event, error) {
	return c.write(ctx, http.MethodPost, "/tokens/"+id.String()+"/mint", struct {
		Payment chain.Amount `json:"payment"`
	}{payment})
}

func (c *RegistryClient) Transfer(ctx context.Context, from, to chain.Address, id registry.TokenID, quantity uint64) (registry.Event, error) {
	return c.write(ctx, http.MethodPost, "/transfers", struct {
		From     chain.Address    `json:"from"`
		To       chain.Address    `json:"to"`
		ID       registry.TokenID `json:"id"`
		Quantity uint64           `json:"quantity"`
	}{from, to, id, quantity})
}

func (c *RegistryClient) SetApprovalForAll(ctx context.Context, operator chain.Address, approved bool) (registry.Event, error) {
	return c.write(ctx, http.MethodPut, "/approvals/"+operator.Hex(), struct {
		Approved bool `json:"approved"`
	}{approved})
}

func (c *RegistryClient) Pause(ctx context.Context) (registry.Event, error) {
	return c.write(ctx, http.MethodPost, "/pause", nil)
}

func (c *RegistryClient) Unpause(ctx context.Context) (registry.Event, error) {
	return c.write(ctx, http.MethodPost, "/unpause", nil)
}

func (c *RegistryClient) SetURI(ctx context.Context, uri string) (registry.Event, error) {
	return c.write(ctx, http.MethodPut, "/uri", struct {
		URI string `json:"uri"`
	}{uri})
}

func (c *RegistryClient) TransferOwnership(ctx context.Context, newOwner chain.Address) (registry.Event, error) {
	return c.write(ctx, http.MethodPut, "/owner", struct {
		NewOwner chain.Address `json:"new_owner"`
	}{newOwner})
}

func (c *RegistryClient) Withdraw(ctx context.Context, to chain.Address) (registry.Event, error) {
	return c.write(ctx, http.MethodPost, "/withdraw", struct {
		To chain.Address `json:"to"`
	}{to})
}
