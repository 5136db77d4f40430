package offlinecache

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog/log"
)

// Upstream is the network as seen by the cache.
// Fetch performs a request whose response the cache may store,
// ServeHTTP is the default network path for requests the cache declines.
type Upstream interface {
	http.Handler
	Fetch(req *http.Request) (*http.Response, error)
}

// OriginUpstream talks to a remote origin server over HTTP.
type OriginUpstream struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
	proxy      *httputil.ReverseProxy
}

// NewOriginUpstream creates an upstream for the given origin.
// The optional originHost is used for the Host header and TLS negotiation,
// e.g. if the origin URL is just an IP address.
func NewOriginUpstream(originURL url.URL, originHost string) *OriginUpstream {
	o := &OriginUpstream{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	// use provided hostname for origin if configured
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	o.httpClient.Transport = transport

	o.proxy = &httputil.ReverseProxy{
		Director:  createDirector(originURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not forward request to origin")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}
	return o
}

// ServeHTTP forwards the request to the origin untouched.
func (o *OriginUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.proxy.ServeHTTP(w, r)
}

// Fetch the resource specified in the request from the origin.
func (o *OriginUpstream) Fetch(r *http.Request) (*http.Response, error) {
	uri := strings.TrimRight(o.originURL.String(), "/") + r.URL.RequestURI()
	// GET requests are the only ones fetched, so no body is forwarded
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", uri, err)
	}
	if o.originHost != "" {
		req.Host = o.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// HandlerUpstream serves requests from an in-process handler,
// which makes the cache usable as middleware.
type HandlerUpstream struct {
	handler http.Handler
}

func NewHandlerUpstream(handler http.Handler) HandlerUpstream {
	return HandlerUpstream{handler: handler}
}

func (u HandlerUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.handler.ServeHTTP(w, r)
}

// Fetch records the handler's response. A panicking handler counts as a
// failed fetch.
func (u HandlerUpstream) Fetch(r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("upstream handler panicked: %v", p)
		}
	}()
	saver := tee.NewResponseSaver(nil)
	u.handler.ServeHTTP(saver, r)
	return saver.Result(r), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
