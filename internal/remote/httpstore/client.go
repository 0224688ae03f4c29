package httpstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/oapi-codegen/runtime"
)

// RequestEditorFn is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// HttpRequestDoer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a PostgREST-style gateway. Server is the gateway base
// URL, for example https://project.example.co; table and RPC paths are
// appended under /rest/v1/.
type Client struct {
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as timeouts.
	Client HttpRequestDoer

	// Callbacks applied to every request right before it is sent.
	RequestEditors []RequestEditorFn
}

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// NewClient creates a Client with reasonable defaults.
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server: server,
	}
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if client.Client == nil {
		client.Client = &http.Client{}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is
// automatically created using http.Client. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// WithAPIKey sends key as both the apikey header and a bearer token, the
// way PostgREST gateways expect an anonymous or service key.
func WithAPIKey(key string) ClientOption {
	return WithRequestEditorFn(func(_ context.Context, req *http.Request) error {
		if key == "" {
			return nil
		}
		req.Header.Set("apikey", key)
		req.Header.Set("Authorization", "Bearer "+key)
		return nil
	})
}

// Prefer header values understood by PostgREST.
const (
	preferMinimal          = "return=minimal"
	preferRepresentation   = "return=representation"
	preferIgnoreDuplicates = "resolution=ignore-duplicates,return=minimal"
)

// NewTableRequest generates a request against /rest/v1/{table}.
func NewTableRequest(server, method, table string, query url.Values, body io.Reader) (*http.Request, error) {
	var err error

	var pathParam0 string

	pathParam0, err = runtime.StyleParamWithLocation("simple", false, "table", runtime.ParamLocationPath, table)
	if err != nil {
		return nil, err
	}

	return newRequest(server, method, fmt.Sprintf("/rest/v1/%s", pathParam0), query, body)
}

// NewRPCRequest generates a POST against /rest/v1/rpc/{function}.
func NewRPCRequest(server, function string, body io.Reader) (*http.Request, error) {
	var err error

	var pathParam0 string

	pathParam0, err = runtime.StyleParamWithLocation("simple", false, "function", runtime.ParamLocationPath, function)
	if err != nil {
		return nil, err
	}

	return newRequest(server, http.MethodPost, fmt.Sprintf("/rest/v1/rpc/%s", pathParam0), nil, body)
}

func newRequest(server, method, operationPath string, query url.Values, body io.Reader) (*http.Request, error) {
	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}

	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		queryURL.RawQuery = query.Encode()
	}

	req, err := http.NewRequest(method, queryURL.String(), body)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")

	return req, nil
}

// Do sends req after applying the client's and the call's editors.
func (c *Client) Do(ctx context.Context, req *http.Request, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// prefer returns an editor setting the Prefer header.
func prefer(value string) RequestEditorFn {
	return func(_ context.Context, req *http.Request) error {
		req.Header.Set("Prefer", value)
		return nil
	}
}
