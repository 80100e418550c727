package source

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
)

// Registry keeps sources by id. The set is immutable, Swap replaces it as a whole
// so in-flight requests keep the snapshot they started with.
type Registry struct {
	snap atomic.Pointer[map[string]Source]
}

// NewRegistry makes registry with the sources
func NewRegistry(sources ...Source) *Registry {
	res := &Registry{}
	res.Swap(sources)
	return res
}

// Build makes sources from definitions, collecting all errors
func Build(defs []config.SourceDef) ([]Source, error) {
	errs := new(multierror.Error)
	res := make([]Source, 0, len(defs))
	for _, d := range defs {
		var src Source
		var err error
		switch d.KindName() {
		case "sql":
			src, err = NewSQL(d)
		case "function":
			src, err = NewFunction(d)
		default:
			src, err = NewTable(d)
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		res = append(res, src)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return res, nil
}

// Swap replaces all sources
func (r *Registry) Swap(sources []Source) {
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[strings.ToLower(s.ID())] = s
	}
	r.snap.Store(&m)
}

// Get returns source by id, case-insensitive
func (r *Registry) Get(id string) (Source, error) {
	m := r.snap.Load()
	if m == nil {
		return nil, errors.Newf(errors.ErrValidation, "unknown source %q", id)
	}
	s, ok := (*m)[strings.ToLower(id)]
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "unknown source %q", id)
	}
	return s, nil
}

// Table returns table source by id
func (r *Registry) Table(id string) (*TableSource, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	ts, ok := s.(*TableSource)
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "source %q is not a table", id)
	}
	return ts, nil
}

// SQL returns raw sql source by id
func (r *Registry) SQL(id string) (*SQLSource, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	ss, ok := s.(*SQLSource)
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "source %q is not a sql source", id)
	}
	return ss, nil
}

// Function returns function source by id
func (r *Registry) Function(id string) (*FunctionSource, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	fs, ok := s.(*FunctionSource)
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "source %q is not a function", id)
	}
	return fs, nil
}

// Len returns number of sources
func (r *Registry) Len() int {
	m := r.snap.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Reload loads definitions from the file and swaps sources. On error current sources are kept.
func (r *Registry) Reload(fname string, inline []config.SourceDef) error {
	defs, err := config.LoadSources(fname)
	if err != nil {
		return err
	}
	all := append(append([]config.SourceDef{}, inline...), defs...)
	if err := config.CheckSources(all); err != nil {
		return fmt.Errorf("can't reload sources: %w", err)
	}
	srcs, err := Build(all)
	if err != nil {
		return fmt.Errorf("can't reload sources: %w", err)
	}
	r.Swap(srcs)
	log.Printf("[INFO] sources reloaded from %s, %d sources", fname, len(srcs))
	return nil
}

// Watch reloads sources on changes of the file until context canceled. The directory is watched
// as editors and deploy tools replace files rather than write them in place. Bursts of events are
// collapsed with the debounce delay.
func (r *Registry) Watch(ctx context.Context, fname string, inline []config.SourceDef, debounce time.Duration) error {
	abs, err := filepath.Abs(fname)
	if err != nil {
		return fmt.Errorf("can't resolve %s: %w", fname, err)
	}
	events := make(chan struct{}, 1)
	fw, err := fileutils.NewFileWatcher(filepath.Dir(abs), func(ev fileutils.FileEvent) {
		if filepath.Clean(ev.Path) != abs {
			return
		}
		select {
		case events <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("can't watch %s: %w", fname, err)
	}

	go func() {
		defer fw.Close() // nolint
		var timer <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				timer = time.After(debounce)
			case <-timer:
				if err := r.Reload(abs, inline); err != nil {
					log.Printf("[WARN] %v", err)
				}
			}
		}
	}()
	return nil
}
