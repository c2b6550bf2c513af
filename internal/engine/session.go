package engine

import (
	"context"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/BadgerOps/dbharvest/internal/remote"
)

// RemoteSession is the part of a remote.Session the pipeline uses.
type RemoteSession interface {
	Execute(ctx context.Context, cmd remote.Command) (remote.Result, error)
	OpenTransferChannel() (remote.TransferChannel, error)
	Close() error
}

// SessionOpener opens one RemoteSession per target.
type SessionOpener interface {
	Open(ctx context.Context, t config.Target) (RemoteSession, error)
}

// OpenerFunc adapts a function to SessionOpener.
type OpenerFunc func(ctx context.Context, t config.Target) (RemoteSession, error)

func (f OpenerFunc) Open(ctx context.Context, t config.Target) (RemoteSession, error) {
	return f(ctx, t)
}

// DialerOpener opens sessions with d.
func DialerOpener(d *remote.Dialer) SessionOpener {
	return OpenerFunc(func(ctx context.Context, t config.Target) (RemoteSession, error) {
		s, err := d.Dial(ctx, t)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
