// Package blobstore archives raw payloads (instrument callbacks, HL7
// messages) so every reconciled or held result can be traced back to the
// bytes that produced it. Archives are write-once.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/tenant"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobExists   = errors.New("blob already exists")
	ErrFileTooLarge = errors.New("payload exceeds maximum allowed size")
)

// MaxPayloadSize bounds a single archived payload (8 MB).
const MaxPayloadSize = 8 * 1024 * 1024

type Metadata struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Store is the archive backend contract.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader, tags map[string]string) (*Metadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Metadata, error)
	List(ctx context.Context, prefix string) ([]*Metadata, error)
}

// ArchiveKey builds the object key for a payload. Keys start with the
// tenant code so one tenant's archive can be listed or exported alone.
func ArchiveKey(tenantCode, source string, at time.Time, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", tenantCode, source, at.UTC().Format("2006/01/02"), id)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata Metadata
	content  []byte
}

type InMemory struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemory() *InMemory {
	return &InMemory{blobs: make(map[string]*storedBlob)}
}

func (s *InMemory) Put(_ context.Context, key, contentType string, content io.Reader, tags map[string]string) (*Metadata, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrFileTooLarge
	}
	sum := sha256.Sum256(data)
	meta := Metadata{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sum),
		CreatedAt:   time.Now().UTC(),
		Tags:        tags,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return nil, ErrBlobExists
	}
	s.blobs[key] = &storedBlob{metadata: meta, content: data}
	out := meta
	return &out, nil
}

func (s *InMemory) Get(_ context.Context, key string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := b.metadata
	return io.NopCloser(bytes.NewReader(b.content)), &meta, nil
}

func (s *InMemory) List(_ context.Context, prefix string) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Metadata
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			meta := b.metadata
			out = append(out, &meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler serves a tenant its own archived payloads.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	r := g.Group("/archive", auth.RequireRole(auth.RoleLabManager))
	r.GET("", h.handleList)
	r.GET("/*", h.handleGet)
}

// tenantKey rejects keys outside the caller's tenant prefix.
func tenantKey(c echo.Context, key string) (string, error) {
	scope, err := tenant.Require(c.Request().Context())
	if err != nil {
		return "", err
	}
	prefix := scope.Code() + "/"
	if key != "" && !strings.HasPrefix(key, prefix) {
		return "", echo.NewHTTPError(http.StatusNotFound, "blob not found")
	}
	if key == "" {
		return prefix, nil
	}
	return key, nil
}

func (h *Handler) handleList(c echo.Context) error {
	prefix, err := tenantKey(c, c.QueryParam("prefix"))
	if err != nil {
		return err
	}
	items, err := h.store.List(c.Request().Context(), prefix)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) handleGet(c echo.Context) error {
	key, err := tenantKey(c, c.Param("*"))
	if err != nil {
		return err
	}
	rc, meta, err := h.store.Get(c.Request().Context(), key)
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "blob not found")
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
