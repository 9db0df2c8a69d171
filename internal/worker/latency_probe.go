package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/storage"
)

const (
	probeInterval = 60 * time.Second
	probeTimeout  = 10 * time.Second
	latencyTTL    = 60 * time.Second
)

// LatencyProbe measures round-trip latency per provider every minute using a
// minimal one-token request on the most recently used key, feeding the
// router's latency ranking. Probe failures are silent; a provider with no
// fresh sample simply ranks last.
type LatencyProbe struct {
	store  storage.APIKeyStore
	fast   faststore.Store
	cipher *crypto.Cipher
	client *http.Client
}

// NewLatencyProbe creates a LatencyProbe using the given HTTP client.
func NewLatencyProbe(store storage.APIKeyStore, fast faststore.Store, cipher *crypto.Cipher, client *http.Client) *LatencyProbe {
	return &LatencyProbe{store: store, fast: fast, cipher: cipher, client: client}
}

// Name returns the worker identifier.
func (p *LatencyProbe) Name() string { return "latency_probe" }

// Run probes on a fixed interval until ctx is cancelled.
func (p *LatencyProbe) Run(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *LatencyProbe) sweep(ctx context.Context) {
	keys, err := p.store.ListProbeKeys(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "probe key listing failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, k := range keys {
		p.probe(ctx, k)
	}
}

func (p *LatencyProbe) probe(ctx context.Context, k *feen.APIKey) {
	target, ok := feen.ProbeRequest(k.Provider)
	if !ok {
		return
	}
	base := k.ResolveBaseURL()
	if base == "" {
		return
	}
	credential, err := p.cipher.Open(k.EncryptedMaterial)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	method := http.MethodPost
	var body io.Reader
	if target.Body == "" {
		method = http.MethodGet
	} else {
		body = strings.NewReader(target.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+target.Path, body)
	if err != nil {
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	feen.ApplyAuthHeaders(req.Header, k.Provider, string(credential), nil)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	ms := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}
	key := faststore.LatencyKey(string(k.Provider))
	if err := p.fast.SetEx(ctx, key, strconv.FormatInt(ms, 10), latencyTTL); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "latency sample not stored",
			slog.String("provider", string(k.Provider)),
			slog.String("error", err.Error()),
		)
	}
}
