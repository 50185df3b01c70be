package uploads

import (
	"context"
	"io"
	"strings"
)

// Router sends new uploads to the primary store and routes existing paths by scheme.
type Router struct {
	local *Local
	s3    *S3
}

// NewRouter builds a router. s3 may be nil, in which case everything stays local.
func NewRouter(local *Local, s3 *S3) *Router {
	return &Router{local: local, s3: s3}
}

func (r *Router) backend(p string) Store {
	if strings.HasPrefix(p, s3Scheme) && r.s3 != nil {
		return r.s3
	}
	return r.local
}

func (r *Router) Save(ctx context.Context, name string, body io.Reader) (string, int64, error) {
	if r.s3 != nil {
		return r.s3.Save(ctx, name, body)
	}
	return r.local.Save(ctx, name, body)
}

func (r *Router) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	return r.backend(p).Open(ctx, p)
}

func (r *Router) Exists(ctx context.Context, p string) (bool, error) {
	return r.backend(p).Exists(ctx, p)
}

func (r *Router) Remove(ctx context.Context, p string) error {
	return r.backend(p).Remove(ctx, p)
}
