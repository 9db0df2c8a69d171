// Package proxy drives the upstream attempt loop: per-candidate header
// rewrite, bounded header timeout, 5xx/transport fallback, and streaming the
// committed response back to the client with bounded usage extraction.
package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/circuitbreaker"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/ratelimit"
	"github.com/feenlabs/feen/internal/router"
)

const (
	// headerTimeout bounds the wait for upstream response headers. Body
	// streaming has no application timeout; request cancellation bounds it.
	headerTimeout = 30 * time.Second

	// usageBufferCap bounds the cloned response prefix inspected for token
	// usage. Bodies past the cap simply yield a usage-less record.
	usageBufferCap = 1 << 20

	latencyTTL = 60 * time.Second
)

// StatusClientClosedRequest is recorded when the client disconnects mid-stream.
const StatusClientClosedRequest = 499

// NewTransport returns a tuned *http.Transport with connection pooling,
// optional DNS caching, and the upstream header timeout.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHop headers that must not cross the proxy in either direction.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Usage holds token counts extracted from a committed response body.
type Usage struct {
	RequestTokens  *int64
	ResponseTokens *int64
	TotalTokens    *int64
}

// Result describes the one response committed to the client.
type Result struct {
	StatusCode int
	Provider   feen.Provider
	Key        *feen.APIKey
	LatencyMs  int64
	Usage      Usage
}

// Transport walks the router's candidate list until one upstream commits.
type Transport struct {
	client   *http.Client
	cipher   *crypto.Cipher
	fast     faststore.Store
	breakers *circuitbreaker.Registry
	now      func() time.Time
}

// New returns a Transport using the given HTTP client.
func New(client *http.Client, cipher *crypto.Cipher, fast faststore.Store, breakers *circuitbreaker.Registry) *Transport {
	return &Transport{client: client, cipher: cipher, fast: fast, breakers: breakers, now: time.Now}
}

// Do attempts each candidate in order and streams the first completed
// response (any status outside 5xx) to the client. It returns the committed
// result for usage recording; on exhaustion it writes the 502 body itself and
// returns a 502 result alongside the upstream error.
func (t *Transport) Do(ctx context.Context, w http.ResponseWriter, r *http.Request,
	candidates []router.Candidate, path string, body []byte, rl ratelimit.Result) (*Result, error) {

	for _, c := range candidates {
		credential, err := t.cipher.Open(c.Key.EncryptedMaterial)
		if err != nil {
			// Tag mismatch on vaulted material is an operator problem; the
			// caller maps it to a generic internal error.
			slog.LogAttrs(ctx, slog.LevelError, "vault material failed to open",
				slog.String("key", c.Key.ID),
				slog.String("provider", string(c.Provider)),
			)
			return nil, err
		}

		start := t.now()
		resp, err := t.attempt(ctx, r, c, path, body, string(credential))
		latency := t.now().Sub(start).Milliseconds()

		if err != nil || resp.StatusCode >= 500 {
			status := 0
			if resp != nil {
				status = resp.StatusCode
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
			}
			if circuitbreaker.IsUpstreamFailure(status, err) {
				t.breakers.ReportFailure(c.Provider)
			}
			t.recordLatency(ctx, c.Provider, latency)
			logAttempt(ctx, c, status, err)
			if ctx.Err() != nil {
				// Client gone; stop burning candidates.
				return &Result{StatusCode: StatusClientClosedRequest, Provider: c.Provider, Key: c.Key, LatencyMs: latency}, ctx.Err()
			}
			continue
		}

		t.breakers.ReportSuccess(c.Provider)
		t.recordLatency(ctx, c.Provider, latency)

		res := &Result{StatusCode: resp.StatusCode, Provider: c.Provider, Key: c.Key, LatencyMs: latency}
		t.commit(ctx, w, resp, c, latency, rl, res)
		return res, nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	io.WriteString(w, `{"error":"All available providers failed"}`)
	var last feen.Provider
	if n := len(candidates); n > 0 {
		last = candidates[n-1].Provider
	}
	return &Result{StatusCode: http.StatusBadGateway, Provider: last}, feen.ErrUpstream
}

// attempt issues one upstream call. The request body is replayed from the
// captured bytes so every candidate sees the same payload.
func (t *Transport) attempt(ctx context.Context, r *http.Request, c router.Candidate,
	path string, body []byte, credential string) (*http.Response, error) {

	target := c.BaseURL + "/" + strings.TrimPrefix(path, "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reqBody io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		reqBody = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, reqBody)
	if err != nil {
		return nil, err
	}

	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "api-key" ||
			strings.HasPrefix(lower, "x-feen-") {
			continue
		}
		outReq.Header[key] = vals
	}
	feen.ApplyAuthHeaders(outReq.Header, c.Provider, credential, r.Header)

	return t.client.Do(outReq)
}

// commit relays the winning response: headers first, then the body streamed
// unbuffered with a bounded tee for usage extraction.
func (t *Transport) commit(ctx context.Context, w http.ResponseWriter, resp *http.Response,
	c router.Candidate, latency int64, rl ratelimit.Result, res *Result) {

	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Feen-Latency", strconv.FormatInt(latency, 10))
	w.Header().Set("X-Feen-Provider", string(c.Provider))
	if rl.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt, 10))
	}
	w.WriteHeader(resp.StatusCode)

	// Only JSON bodies carry a usage object worth teeing.
	var tee *usageTee
	dst := io.Writer(w)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") ||
		strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		tee = &usageTee{}
		dst = io.MultiWriter(w, tee)
	}

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	var copyErr error
	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
					copyErr = writeErr
					break
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr != io.EOF {
					copyErr = readErr
				}
				break
			}
		}
	} else {
		_, copyErr = io.Copy(dst, resp.Body)
	}

	if copyErr != nil && ctx.Err() != nil {
		res.StatusCode = StatusClientClosedRequest
	}
	if tee != nil {
		res.Usage = tee.extract()
	}
}

// usageTee retains a bounded prefix of the relayed body. Writes never fail,
// so the tee cannot stall or break the client stream.
type usageTee struct {
	buf bytes.Buffer
}

func (u *usageTee) Write(p []byte) (int, error) {
	if remain := usageBufferCap - u.buf.Len(); remain > 0 {
		if len(p) > remain {
			u.buf.Write(p[:remain])
		} else {
			u.buf.Write(p)
		}
	}
	return len(p), nil
}

// extract pulls token counts out of the captured prefix. Recognizes the
// prompt/completion and input/output shapes; the total defaults to the sum
// when both components are present.
func (u *usageTee) extract() Usage {
	body := u.buf.Bytes()
	if len(body) == 0 {
		return Usage{}
	}

	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		// SSE streams carry usage inside the final data: chunk.
		if i := bytes.LastIndex(body, []byte(`"usage"`)); i >= 0 {
			if j := bytes.LastIndex(body[:i], []byte("data:")); j >= 0 {
				line := body[j+len("data:"):]
				if k := bytes.IndexByte(line, '\n'); k >= 0 {
					line = line[:k]
				}
				usage = gjson.GetBytes(bytes.TrimSpace(line), "usage")
			}
		}
	}
	if !usage.Exists() {
		return Usage{}
	}

	var out Usage
	if v := usage.Get("prompt_tokens"); v.Exists() {
		out.RequestTokens = ptr(v.Int())
	} else if v := usage.Get("input_tokens"); v.Exists() {
		out.RequestTokens = ptr(v.Int())
	}
	if v := usage.Get("completion_tokens"); v.Exists() {
		out.ResponseTokens = ptr(v.Int())
	} else if v := usage.Get("output_tokens"); v.Exists() {
		out.ResponseTokens = ptr(v.Int())
	}
	if v := usage.Get("total_tokens"); v.Exists() {
		out.TotalTokens = ptr(v.Int())
	} else if out.RequestTokens != nil && out.ResponseTokens != nil {
		out.TotalTokens = ptr(*out.RequestTokens + *out.ResponseTokens)
	}
	return out
}

func ptr(n int64) *int64 { return &n }

// PeekModel reads the top-level "model" field from a request body without
// interpreting anything else.
func PeekModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

func (t *Transport) recordLatency(ctx context.Context, p feen.Provider, ms int64) {
	if ms <= 0 {
		return
	}
	key := faststore.LatencyKey(string(p))
	if err := t.fast.SetEx(ctx, key, strconv.FormatInt(ms, 10), latencyTTL); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "latency sample not stored",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
	}
}

func logAttempt(ctx context.Context, c router.Candidate, status int, err error) {
	attrs := []slog.Attr{
		slog.String("provider", string(c.Provider)),
		slog.String("key", c.Key.ID),
		slog.Int("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed", attrs...)
}
