package platform

import (
	"context"
	"fmt"
	"strings"
)

// Resource kinds recognized by Lookup and DeleteBlocker. Keys into the
// conflict resolver's classification, and into the teardown table.
const (
	KindVpc       = "vpc"
	KindPeering   = "vpc-peering"
	KindDatastore = "datastore"
	KindWorkload  = "workload"
	KindRepo      = "repository"
	KindSecret    = "secret"
)

// Lookup resolves a resource kind and name to the live platform identifier
// the declarative engine imports under. Missing resources return exists
// false with no error.
func (c *Clients) Lookup(ctx context.Context, resourceKind, key string) (string, bool, error) {
	switch resourceKind {
	case KindVpc:
		return c.FindVpc(ctx, key)
	case KindPeering:
		return c.FindPeering(ctx, key)
	case KindDatastore:
		state, err := c.ObserveDatastore(ctx, key)
		if err != nil {
			return "", false, err
		}
		return key, state.Exists, nil
	case KindWorkload:
		cluster, service, ok := strings.Cut(key, "/")
		if !ok {
			return "", false, fmt.Errorf("workload key %q is not cluster/service", key)
		}
		state, err := c.ObserveWorkload(ctx, cluster, service)
		if err != nil {
			return "", false, err
		}
		return key, state.Exists, nil
	case KindRepo:
		uri, err := c.EnsureRepositoryLookup(ctx, key)
		if err != nil {
			return "", false, err
		}
		return key, uri != "", nil
	case KindSecret:
		_, err := c.FetchSecret(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				return "", false, nil
			}
			return "", false, err
		}
		return key, true, nil
	default:
		return "", false, fmt.Errorf("unknown resource kind %q", resourceKind)
	}
}

// EnsureRepositoryLookup is the read-only half of EnsureRepository: it
// reports the URI without creating anything.
func (c *Clients) EnsureRepositoryLookup(ctx context.Context, name string) (string, error) {
	uri, exists, err := c.findRepository(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	return uri, nil
}
