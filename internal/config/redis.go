package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// RedisOptions builds client options. REDIS_URL wins over host/port; TLS is
// enabled by the tls flag or by any certificate setting.
func (r RedisConfig) RedisOptions() (*goredis.Options, error) {
	var opts *goredis.Options
	if strings.TrimSpace(r.URL) != "" {
		parsed, err := goredis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		port := r.Port
		if port <= 0 {
			port = 6379
		}
		opts = &goredis.Options{
			Addr:     net.JoinHostPort(r.Host, strconv.Itoa(port)),
			Username: r.Username,
			Password: r.Password,
			DB:       r.DB,
		}
	}

	if r.TLS || r.Cert != "" || r.Key != "" || r.CA != "" {
		tlsCfg, err := r.tlsConfig(opts.TLSConfig)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	if r.KeepAlive > 0 {
		dialer := &net.Dialer{KeepAlive: r.KeepAlive, Timeout: opts.DialTimeout}
		tlsCfg := opts.TLSConfig
		opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if tlsCfg != nil {
				return (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}
	return opts, nil
}

// NewRedisClient connects a client from the config.
func (r RedisConfig) NewRedisClient() (*goredis.Client, error) {
	opts, err := r.RedisOptions()
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func (r RedisConfig) tlsConfig(base *tls.Config) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if r.Cert != "" || r.Key != "" {
		if r.Cert == "" || r.Key == "" {
			return nil, fmt.Errorf("redis tls needs both cert and key")
		}
		pair, err := tls.LoadX509KeyPair(r.Cert, r.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load redis client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	if r.CA != "" {
		pem, err := os.ReadFile(r.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read redis ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis ca %s holds no certificates", r.CA)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
