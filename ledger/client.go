package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrAuthenticationFailed = errors.New("ledger authentication failed")

var validate = validator.New()

// Credentials identify one tenant's account on the remote ledger.
type Credentials struct {
	URL          string `validate:"required,url"`
	DatabaseName string `validate:"required"`
	Username     string `validate:"required"`
	APIKey       string `validate:"required"`
}

func (c Credentials) Validate() error {
	return validate.Struct(c)
}

// Client speaks JSON-RPC to the ledger's /jsonrpc endpoint.
type Client struct {
	http    *http.Client
	limiter <-chan time.Time
	seq     atomic.Int64
}

// NewClient builds a client. ratePerMin <= 0 disables throttling.
func NewClient(timeout time.Duration, ratePerMin int) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{http: &http.Client{Timeout: timeout}}
	if ratePerMin > 0 {
		c.limiter = time.Tick(time.Minute / time.Duration(ratePerMin))
	}
	return c
}

// Session is an authenticated handle used for search and read calls.
type Session struct {
	client *Client
	creds  Credentials
	uid    int64
}

func (s *Session) UID() int64 { return s.uid }

// Authenticate resolves the numeric user id for creds. Any failure, including
// transport errors, is reported as ErrAuthenticationFailed.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials: %v", ErrAuthenticationFailed, err)
	}
	var result json.RawMessage
	err := c.call(ctx, creds.URL, "common", "authenticate",
		[]interface{}{creds.DatabaseName, creds.Username, creds.APIKey, map[string]interface{}{}}, &result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	var uid int64
	if err := json.Unmarshal(result, &uid); err != nil || uid <= 0 {
		return nil, fmt.Errorf("%w: user %s rejected", ErrAuthenticationFailed, creds.Username)
	}
	return &Session{client: c, creds: creds, uid: uid}, nil
}

// SearchOptions page and order a search.
type SearchOptions struct {
	Limit  int
	Offset int
	Order  string
}

// Search returns the ids matching domain.
func (s *Session) Search(ctx context.Context, model string, domain Domain, opts SearchOptions) ([]int64, error) {
	kwargs := map[string]interface{}{}
	if opts.Limit > 0 {
		kwargs["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		kwargs["offset"] = opts.Offset
	}
	if opts.Order != "" {
		kwargs["order"] = opts.Order
	}
	var ids []int64
	if err := s.executeKw(ctx, model, "search", []interface{}{domain.encode()}, kwargs, &ids); err != nil {
		return nil, fmt.Errorf("search %s: %w", model, err)
	}
	return ids, nil
}

// Read loads the given fields of ids. An empty fields list reads every field.
func (s *Session) Read(ctx context.Context, model string, ids []int64, fields []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	kwargs := map[string]interface{}{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	var records []Record
	if err := s.executeKw(ctx, model, "read", []interface{}{ids}, kwargs, &records); err != nil {
		return nil, fmt.Errorf("read %s: %w", model, err)
	}
	return records, nil
}

func (s *Session) executeKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}, out interface{}) error {
	params := []interface{}{s.creds.DatabaseName, s.uid, s.creds.APIKey, model, method, args, kwargs}
	return s.client.call(ctx, s.creds.URL, "object", "execute_kw", params, out)
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string        `json:"service"`
	Method  string        `json:"method"`
	Args    []interface{} `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error reported by the ledger inside a well-formed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("ledger rpc error %d: %s: %s", e.Code, e.Message, e.Data.Message)
	}
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, baseURL, service, method string, args []interface{}, out interface{}) error {
	if c.limiter != nil {
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/jsonrpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ledger http error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(parsed.Result))
	dec.UseNumber()
	return dec.Decode(out)
}
