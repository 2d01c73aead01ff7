package shopcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpNetwork sends worker requests for store sites to the shared origin and
// everything else straight to the named host. Origin responses are "basic";
// foreign ones are "cors" and so never cached. Redirects are returned, not
// followed.
//
// Foreign hosts are only ever dialled for absolute URLs a worker asked for;
// the host service refuses client requests that name a foreign Host.
type httpNetwork struct {
	client     *http.Client
	origin     string
	rootDomain string
}

func newHTTPNetwork(origin, rootDomain string, timeout time.Duration) *httpNetwork {
	return &httpNetwork{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin:     strings.TrimRight(origin, "/"),
		rootDomain: strings.ToLower(rootDomain),
	}
}

func (n *httpNetwork) route(u *url.URL) (string, ResponseType) {
	if u.Host == "" || isSiteHost(u.Hostname(), n.rootDomain) {
		return n.origin + u.RequestURI(), ResponseBasic
	}
	return u.String(), ResponseCORS
}

func (n *httpNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target, typ := n.route(req.URL)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")
	if typ == ResponseBasic && req.URL.Host != "" {
		hreq.Header.Set("X-Forwarded-Host", req.URL.Host)
	}

	resp, err := n.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
		Type:   typ,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
