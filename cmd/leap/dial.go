package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/srg/leap"
)

// dialOneShot opens a raw LEAP connection and wraps it in a Requester,
// without running the full bootstrap sequence — just enough for a single
// debugging request.
func dialOneShot(ctx context.Context, cfg *leap.Config, certPEM, keyPEM, caPEM []byte) (*leap.Connection, *leap.Requester, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse client certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, nil, fmt.Errorf("parse bridge CA certificate")
	}

	conn, err := leap.OpenConnection(ctx, cfg.Host, cfg.OperationsPort, cert, pool, cfg.RequestTimeout, cfg.ReadBufferFloor, cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.OperationsPort, err)
	}
	return conn, leap.NewRequester(conn, cfg.RequestTimeout, cfg.Logger), nil
}
