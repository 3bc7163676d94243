package service

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"copy_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
)

const (
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"
	MainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"
)

type Options struct {
	BaseURL string
	WSURL   string
	Mainnet bool
	// hex, with or without 0x; empty gives a read-only client
	PrivateKey   string
	VaultAddress string
	Timeout      time.Duration
}

type Client struct {
	http    *http.Client
	baseURL string
	wsURL   string
	mainnet bool

	key   *ecdsa.PrivateKey
	vault string

	lastNonce atomic.Int64
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = TestnetAPIURL
		if opts.Mainnet {
			opts.BaseURL = MainnetAPIURL
		}
	}
	if opts.WSURL == "" {
		opts.WSURL = TestnetWSURL
		if opts.Mainnet {
			opts.WSURL = MainnetWSURL
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	c := &Client{
		http:    &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		wsURL:   opts.WSURL,
		mainnet: opts.Mainnet,
	}

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "parse private key")
		}
		c.key = key
	}
	if opts.VaultAddress != "" {
		c.vault = strings.ToLower(opts.VaultAddress)
	}
	return c, nil
}

// nextNonce returns a millisecond timestamp, strictly increasing per client.
func (c *Client) nextNonce() int64 {
	for {
		now := time.Now().UnixMilli()
		last := c.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (c *Client) post(ctx context.Context, op, path string, req, out any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "hyperliquid."+op)
	defer span.Finish()

	body, err := sonic.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "%s marshal", op)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "%s build request", op)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("error", err.Error())
		return errors.Wrapf(models.ErrExchangeAPI, "%s: %v", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(models.ErrExchangeAPI, "%s read body: %v", op, err)
	}
	ext.HTTPStatusCode.Set(span, uint16(resp.StatusCode))

	if resp.StatusCode/100 != 2 {
		return errors.Wrapf(models.ErrExchangeAPI, "%s http %d: %s", op, resp.StatusCode, truncate(data, 256))
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return errors.Wrapf(models.ErrExchangeAPI, "%s decode: %v RAW=%s", op, err, truncate(data, 256))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...(%d bytes)", b[:n], len(b))
}
