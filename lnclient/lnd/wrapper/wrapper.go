package wrapper

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/flokiorg/flnd/lnrpc"
	"github.com/flokiorg/flnd/lnrpc/chainrpc"
	"github.com/flokiorg/flnd/lnrpc/invoicesrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// LNDoptions are the connection parameters for an flnd node.
type LNDoptions struct {
	Address     string
	CertHex     string
	MacaroonHex string
}

type LNDWrapper struct {
	conn          *grpc.ClientConn
	Client        lnrpc.LightningClient
	InvoiceClient invoicesrpc.InvoicesClient
	ChainClient   chainrpc.ChainNotifierClient
}

// macaroonCredential attaches the macaroon to every RPC.
type macaroonCredential struct {
	macaroonHex string
}

func (c macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": c.macaroonHex}, nil
}

func (c macaroonCredential) RequireTransportSecurity() bool {
	return false
}

func NewLNDclient(opts LNDoptions) (*LNDWrapper, error) {
	if opts.Address == "" {
		return nil, errors.New("no LND address configured")
	}
	if opts.MacaroonHex == "" {
		return nil, errors.New("no LND macaroon configured")
	}

	var transportCreds credentials.TransportCredentials
	if opts.CertHex != "" {
		certBytes, err := hex.DecodeString(opts.CertHex)
		if err != nil {
			return nil, fmt.Errorf("invalid cert hex: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(certBytes) {
			return nil, errors.New("failed to parse LND TLS certificate")
		}
		transportCreds = credentials.NewClientTLSFromCert(pool, "")
	} else {
		transportCreds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(
		opts.Address,
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithPerRPCCredentials(macaroonCredential{macaroonHex: opts.MacaroonHex}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LND: %w", err)
	}

	return &LNDWrapper{
		conn:          conn,
		Client:        lnrpc.NewLightningClient(conn),
		InvoiceClient: invoicesrpc.NewInvoicesClient(conn),
		ChainClient:   chainrpc.NewChainNotifierClient(conn),
	}, nil
}

func (wrapper *LNDWrapper) Close() error {
	return wrapper.conn.Close()
}
