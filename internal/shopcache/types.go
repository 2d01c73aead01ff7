package shopcache

import (
	"net/http"
	"net/url"
	"strings"
)

type TenantType string

const (
	TenantSeller    TenantType = "seller"
	TenantAffiliate TenantType = "affiliate"
)

// Identity is fixed once per worker instance and never recomputed.
type Identity struct {
	Slug  string
	Type  TenantType
	Scope string // path prefix, "/" for subdomain stores
}

// ResponseType mirrors the fetch response types a worker can observe.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
	ResponseError  ResponseType = "error"
)

type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: strings.ToUpper(method), URL: u, Header: make(http.Header)}, nil
}

// cacheKey is method + absolute URL, fragment stripped.
func (r *Request) cacheKey() string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + " " + u.String()
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (r *Response) clone() *Response {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: cloneHeader(r.Header), Body: body, Type: r.Type}
}

// CacheEntry is the stored form of a Response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

func (e CacheEntry) response() *Response {
	return &Response{Status: e.Status, Header: cloneHeader(e.Header), Body: e.Body, Type: ResponseBasic}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
