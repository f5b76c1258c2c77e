package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed advisor.yaml
var baseDocument []byte

// DocumentProvider exposes the service's OpenAPI document.
type DocumentProvider interface {
	Document(ctx context.Context) ([]byte, error)
}

// Service builds the OpenAPI document from the embedded description plus any
// extra fragments, validates it, and caches the JSON encoding.
type Service struct {
	version   string
	fragments []string

	mu    sync.Mutex
	cache []byte
}

// Option customises a Service.
type Option func(*Service)

// WithVersion sets info.version on the served document.
func WithVersion(version string) Option {
	return func(s *Service) {
		if version != "" {
			s.version = version
		}
	}
}

// WithFragments merges additional OpenAPI files into the embedded document.
func WithFragments(paths ...string) Option {
	return func(s *Service) {
		for _, p := range paths {
			if p != "" {
				s.fragments = append(s.fragments, p)
			}
		}
	}
}

// NewService constructs a Service with optional overrides.
func NewService(opts ...Option) *Service {
	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the OpenAPI document in JSON form.
func (s *Service) Document(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		return clone(s.cache), nil
	}

	doc, err := s.buildDocument(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	s.cache = raw
	return clone(raw), nil
}

func (s *Service) buildDocument(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	base, err := loader.LoadFromData(baseDocument)
	if err != nil {
		return nil, fmt.Errorf("load embedded openapi document: %w", err)
	}

	docs := []*openapi3.T{base}
	for _, path := range s.fragments {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		doc, err := loader.LoadFromFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("load openapi fragment %s: %w", path, err)
		}
		docs = append(docs, doc)
	}

	merged, err := mergeDocuments(docs)
	if err != nil {
		return nil, err
	}

	if s.version != "" && merged.Info != nil {
		merged.Info.Version = s.version
	}

	if err := merged.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}

	return merged, nil
}

func mergeDocuments(docs []*openapi3.T) (*openapi3.T, error) {
	if len(docs) == 0 {
		return nil, errors.New("no openapi documents to merge")
	}

	base := docs[0]

	if base.Paths == nil {
		base.Paths = openapi3.NewPaths()
	}
	if base.Components == nil {
		components := openapi3.NewComponents()
		base.Components = &components
	}

	for _, doc := range docs[1:] {
		if err := mergePaths(base.Paths, doc.Paths); err != nil {
			return nil, err
		}
		if err := mergeComponents(base.Components, doc.Components); err != nil {
			return nil, err
		}
		base.Tags = mergeTags(base.Tags, doc.Tags)
	}

	return base, nil
}

func mergePaths(dst, src *openapi3.Paths) error {
	if src == nil {
		return nil
	}
	if dst == nil {
		return errors.New("destination paths not initialised")
	}

	existing := dst.Map()
	for path, item := range src.Map() {
		if _, ok := existing[path]; ok {
			return fmt.Errorf("duplicate path detected: %s", path)
		}
		dst.Set(path, item)
	}
	return nil
}

func mergeComponents(dst, src *openapi3.Components) error {
	if src == nil {
		return nil
	}
	if dst == nil {
		return errors.New("destination components not initialised")
	}

	if err := mergeComponentMap(&dst.Schemas, src.Schemas, "schema"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.Responses, src.Responses, "response"); err != nil {
		return err
	}
	if err := mergeComponentMap(&dst.SecuritySchemes, src.SecuritySchemes, "security scheme"); err != nil {
		return err
	}
	return nil
}

func mergeComponentMap[M ~map[string]V, V any](dst *M, src M, label string) error {
	if len(src) == 0 {
		return nil
	}
	if *dst == nil {
		*dst = make(M, len(src))
	}
	for key, value := range src {
		if _, exists := (*dst)[key]; exists {
			return fmt.Errorf("duplicate %s detected: %s", label, key)
		}
		(*dst)[key] = value
	}
	return nil
}

func mergeTags(dst, src openapi3.Tags) openapi3.Tags {
	existing := make(map[string]struct{}, len(dst))
	for _, tag := range dst {
		if tag != nil {
			existing[tag.Name] = struct{}{}
		}
	}
	for _, tag := range src {
		if tag == nil {
			continue
		}
		if _, ok := existing[tag.Name]; ok {
			continue
		}
		dst = append(dst, tag)
		existing[tag.Name] = struct{}{}
	}
	return dst
}

func clone(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
