package grpcregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/kennethnrk/sqlml/internal/registry"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a remote registry. Resolved versions are cached for ttl so
// repeated spec resolution in a query does not hit the network per batch.
type Client struct {
	conn  grpc.ClientConnInterface
	cache *ristretto.Cache
	ttl   time.Duration
}

// Dial connects to a registry server at addr.
func Dial(addr string, cacheSize int64, ttl time.Duration, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial registry %s: %w", addr, err)
	}
	c, err := NewClient(conn, cacheSize, ttl)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return c, conn, nil
}

// NewClient wraps an existing connection. A cacheSize <= 0 disables caching.
func NewClient(conn grpc.ClientConnInterface, cacheSize int64, ttl time.Duration) (*Client, error) {
	c := &Client{conn: conn, ttl: ttl}
	if cacheSize > 0 && ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10 * cacheSize,
			MaxCost:     cacheSize,
			BufferItems: 64,
			// Cost is an entry count, not bytes.
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create registry cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, status.Convert(err).Message())
		}
		return nil, err
	}
	return out, nil
}

func cacheKey(name, ref string) string { return name + "@" + ref }

// ResolveModelVersion resolves name and a version reference (number, stage or
// "latest") against the remote registry.
func (c *Client) ResolveModelVersion(ctx context.Context, name, ref string) (store.ModelVersion, error) {
	key := cacheKey(name, ref)
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.(store.ModelVersion), nil
		}
	}

	out, err := c.invoke(ctx, methodGet, map[string]any{"name": name, "ref": ref})
	if err != nil {
		return store.ModelVersion{}, err
	}
	var info store.ModelVersion
	if err := fromStruct(out, &info); err != nil {
		return store.ModelVersion{}, err
	}

	if c.cache != nil {
		c.cache.SetWithTTL(key, info, 1, c.ttl)
		c.cache.Wait()
		log.Debug().Str("model", name).Str("ref", ref).Int("version", info.Version).Msg("cached registry lookup")
	}
	return info, nil
}

// RegisterModelVersion registers info as a new version.
func (c *Client) RegisterModelVersion(ctx context.Context, info store.ModelVersion) (store.ModelVersion, error) {
	req, err := toStruct(info)
	if err != nil {
		return store.ModelVersion{}, err
	}
	out, err := c.invoke(ctx, methodRegister, req.AsMap())
	if err != nil {
		return store.ModelVersion{}, err
	}
	var registered store.ModelVersion
	if err := fromStruct(out, &registered); err != nil {
		return store.ModelVersion{}, err
	}
	c.invalidate(registered.Name)
	return registered, nil
}

// ListModelVersions lists versions of name, or of every model when empty.
func (c *Client) ListModelVersions(ctx context.Context, name string) ([]store.ModelVersion, error) {
	out, err := c.invoke(ctx, methodList, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	var list versionList
	if err := fromStruct(out, &list); err != nil {
		return nil, err
	}
	return list.Versions, nil
}

// TransitionStage moves a version into stage.
func (c *Client) TransitionStage(ctx context.Context, name string, version int, stage string, archiveExisting bool) (store.ModelVersion, error) {
	out, err := c.invoke(ctx, methodTransition, map[string]any{
		"name":             name,
		"version":          version,
		"stage":            stage,
		"archive_existing": archiveExisting,
	})
	if err != nil {
		return store.ModelVersion{}, err
	}
	var info store.ModelVersion
	if err := fromStruct(out, &info); err != nil {
		return store.ModelVersion{}, err
	}
	c.invalidate(name)
	return info, nil
}

// DeleteModelVersion removes a version.
func (c *Client) DeleteModelVersion(ctx context.Context, name string, version int) error {
	if _, err := c.invoke(ctx, methodDelete, map[string]any{"name": name, "version": version}); err != nil {
		return err
	}
	c.invalidate(name)
	return nil
}

// invalidate drops every cached reference of name. Stage and "latest" lookups
// move on any mutation, so the whole cache is cleared.
func (c *Client) invalidate(name string) {
	if c.cache == nil {
		return
	}
	c.cache.Clear()
	log.Debug().Str("model", name).Msg("registry cache cleared")
}

// Close releases the cache.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
