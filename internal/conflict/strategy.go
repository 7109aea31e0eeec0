package conflict

import (
	"fmt"

	"erp-mirror-sync/internal/store"
)

// Strategy picks a resolution for a pending conflict during auto-resolution.
type Strategy interface {
	Name() string
	Choose(c *store.Conflict) store.Resolution
}

type serverWins struct{}

func (serverWins) Name() string { return "server_wins" }
func (serverWins) Choose(*store.Conflict) store.Resolution { return store.AcceptServer }

type localWins struct{}

func (localWins) Name() string { return "local_wins" }
func (localWins) Choose(*store.Conflict) store.Resolution { return store.AcceptLocal }

// newestWins compares the local and server timestamps; ties go to the server.
type newestWins struct{}

func (newestWins) Name() string { return "newest_wins" }

func (newestWins) Choose(c *store.Conflict) store.Resolution {
	if c.LocalTimestamp.After(c.ServerTimestamp) {
		return store.AcceptLocal
	}
	return store.AcceptServer
}

var (
	ServerWins Strategy = serverWins{}
	LocalWins  Strategy = localWins{}
	NewestWins Strategy = newestWins{}
)

// StrategyByName returns server_wins, local_wins or newest_wins.
func StrategyByName(name string) (Strategy, error) {
	for _, s := range []Strategy{ServerWins, LocalWins, NewestWins} {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}
