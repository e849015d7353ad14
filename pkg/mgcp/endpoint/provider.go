package endpoint

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/audio"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
)

// Provider выдает эндпоинты одного варианта с идентификаторами
// namespace+1, namespace+2, ...
type Provider struct {
	namespace string
	wiring    Wiring
	graph     *audio.Graph
	logger    zerolog.Logger
	observer  metrics.Observer

	seq atomic.Uint64
}

// ProviderConfig параметры провайдера
type ProviderConfig struct {
	Namespace string
	Graph     *audio.Graph
	Logger    zerolog.Logger
	Observer  metrics.Observer
}

// NewProvider создает провайдер для произвольного варианта
func NewProvider(config ProviderConfig, wiring Wiring) *Provider {
	return &Provider{
		namespace: config.Namespace,
		wiring:    wiring,
		graph:     config.Graph,
		logger:    config.Logger,
		observer:  config.Observer,
	}
}

// NewMixerProvider провайдер микшерных эндпоинтов
func NewMixerProvider(config ProviderConfig, combiner audio.Combiner) *Provider {
	return NewProvider(config, MixerWiring{Combiner: combiner})
}

// NewSplitterProvider провайдер эндпоинтов-разветвителей
func NewSplitterProvider(config ProviderConfig) *Provider {
	return NewProvider(config, SplitterWiring{})
}

// Namespace префикс идентификаторов
func (p *Provider) Namespace() string { return p.namespace }

// Kind вариант выдаваемых эндпоинтов
func (p *Provider) Kind() string { return p.wiring.Kind() }

// Provide создает новый неактивный эндпоинт
func (p *Provider) Provide() *Endpoint {
	id := fmt.Sprintf("%s%d", p.namespace, p.seq.Add(1))
	return New(Config{
		ID:       id,
		Wiring:   p.wiring,
		Graph:    p.graph,
		Logger:   p.logger,
		Observer: p.observer,
	})
}

// Registry реестр выданных эндпоинтов
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Add регистрирует эндпоинт. Повторный ID заменяет прежний.
func (r *Registry) Add(e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[e.ID()] = e
}

// Get ищет эндпоинт по ID
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	if !ok {
		return nil, media_errors.Newf(media_errors.CodeEndpointNotFound, "эндпоинт %s не найден", id)
	}
	return e, nil
}

// Remove удаляет эндпоинт из реестра
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return false
	}
	delete(r.endpoints, id)
	return true
}

// All возвращает эндпоинты отсортированные по ID
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len число эндпоинтов
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
