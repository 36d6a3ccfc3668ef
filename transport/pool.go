package transport

import (
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// connectionPool keeps one lazily created ClientConn per peer. gRPC
// reconnects a ClientConn transparently, so entries are never replaced.
type connectionPool struct {
	sync.Map
}

func (p *connectionPool) getConnection(address string) (*grpc.ClientConn, error) {
	if item, ok := p.Load(address); ok {
		return item.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(envelopeCodec{})),
	)
	if err != nil {
		return nil, err
	}

	if item, loaded := p.LoadOrStore(address, conn); loaded {
		_ = conn.Close()
		return item.(*grpc.ClientConn), nil
	}
	return conn, nil
}

func (p *connectionPool) closeAll() error {
	var err error
	p.Range(func(key, value interface{}) bool {
		err = multierr.Append(err, value.(*grpc.ClientConn).Close())
		p.Delete(key)
		return true
	})
	return err
}
