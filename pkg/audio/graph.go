package audio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/media_errors"
)

// edge ребро source -> sink
type edge struct {
	source Source
	sink   Sink
}

// Graph граф маршрутизации кадров.
// Join и Unjoin изменяют граф под блокировкой, Transfer работает со снимком.
type Graph struct {
	mu     sync.Mutex
	logger zerolog.Logger

	nodes map[string]Node
	order []string // порядок добавления узлов
	edges []edge   // порядок присоединения

	// Кэш топологического порядка, сбрасывается при изменении графа
	plan []planStep
}

// planStep приемник и его источники на такт
type planStep struct {
	sink    Sink
	sources []Source
}

// NewGraph создает пустой граф
func NewGraph(logger zerolog.Logger) *Graph {
	return &Graph{
		logger: logging.WithComponent(logger, "audio_graph"),
		nodes:  make(map[string]Node),
	}
}

// Attach добавляет узел в граф. Повторное добавление игнорируется.
func (g *Graph) Attach(node Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attachLocked(node)
}

func (g *Graph) attachLocked(node Node) {
	if _, ok := g.nodes[node.ID()]; ok {
		return
	}
	g.nodes[node.ID()] = node
	g.order = append(g.order, node.ID())
	g.plan = nil
}

// Detach удаляет узел вместе со всеми его ребрами
func (g *Graph) Detach(node Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unjoinAllLocked(node.ID())
	if _, ok := g.nodes[node.ID()]; !ok {
		return
	}
	delete(g.nodes, node.ID())
	for i, id := range g.order {
		if id == node.ID() {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.plan = nil
}

// Join присоединяет source к sink. Повторное присоединение возвращает AlreadyJoined,
// граф при ошибке не изменяется.
func (g *Graph) Join(sink Sink, source Source) error {
	if sink == nil || source == nil {
		return media_errors.New(media_errors.CodeInvalidState, "узлы соединения обязательны")
	}
	if sink.ID() == source.ID() {
		return media_errors.Newf(media_errors.CodeInvalidState, "узел %s не может быть присоединен к самому себе", sink.ID())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.indexLocked(sink.ID(), source.ID()) >= 0 {
		return media_errors.Newf(media_errors.CodeAlreadyJoined, "%s уже присоединен к %s", source.ID(), sink.ID()).
			WithContext("sink", sink.ID()).
			WithContext("source", source.ID())
	}
	if limiter, ok := sink.(SourceLimiter); ok {
		if n := g.countSourcesLocked(sink.ID()); n >= limiter.MaxSources() {
			return media_errors.Newf(media_errors.CodeInvalidState,
				"приемник %s принимает не более %d источников", sink.ID(), limiter.MaxSources())
		}
	}

	g.attachLocked(sink)
	g.attachLocked(source)
	g.edges = append(g.edges, edge{source: source, sink: sink})
	g.plan = nil

	g.logger.Debug().Str("sink", sink.ID()).Str("source", source.ID()).Msg("joined")
	return nil
}

// Unjoin отсоединяет source от sink. Для несоединенной пары возвращает NotJoined.
func (g *Graph) Unjoin(sink Sink, source Source) error {
	if sink == nil || source == nil {
		return media_errors.New(media_errors.CodeInvalidState, "узлы соединения обязательны")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.indexLocked(sink.ID(), source.ID())
	if i < 0 {
		return media_errors.Newf(media_errors.CodeNotJoined, "%s не присоединен к %s", source.ID(), sink.ID()).
			WithContext("sink", sink.ID()).
			WithContext("source", source.ID())
	}
	g.edges = append(g.edges[:i], g.edges[i+1:]...)
	g.plan = nil

	g.logger.Debug().Str("sink", sink.ID()).Str("source", source.ID()).Msg("unjoined")
	return nil
}

// UnjoinAll удаляет все ребра узла. Возвращает число удаленных ребер.
func (g *Graph) UnjoinAll(node Node) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unjoinAllLocked(node.ID())
}

func (g *Graph) unjoinAllLocked(id string) int {
	kept := g.edges[:0]
	removed := 0
	for _, e := range g.edges {
		if e.sink.ID() == id || e.source.ID() == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(g.edges); i++ {
		g.edges[i] = edge{}
	}
	g.edges = kept
	if removed > 0 {
		g.plan = nil
	}
	return removed
}

// IsJoined проверяет наличие ребра
func (g *Graph) IsJoined(sink Sink, source Source) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.indexLocked(sink.ID(), source.ID()) >= 0
}

// Sources возвращает источники приемника в порядке присоединения
func (g *Graph) Sources(sink Sink) []Source {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Source
	for _, e := range g.edges {
		if e.sink.ID() == sink.ID() {
			out = append(out, e.source)
		}
	}
	return out
}

// Sinks возвращает приемники источника в порядке присоединения
func (g *Graph) Sinks(source Source) []Sink {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Sink
	for _, e := range g.edges {
		if e.source.ID() == source.ID() {
			out = append(out, e.sink)
		}
	}
	return out
}

// Contains проверяет, что узел добавлен в граф
func (g *Graph) Contains(node Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[node.ID()]
	return ok
}

// NodeCount число узлов
func (g *Graph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// EdgeCount число ребер
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Transfer выполняет один такт: каждый приемник с источниками получает их кадры.
// Приемники обходятся в топологическом порядке, поэтому микшер вычисляет
// результат до того, как его прочитают нижестоящие узлы.
// Возвращает число вызванных приемников.
func (g *Graph) Transfer(tick uint64) int {
	plan := g.snapshot()

	for _, step := range plan {
		frames := make([]*Frame, 0, len(step.sources))
		for _, src := range step.sources {
			if frame, ok := src.ReadFrame(tick); ok {
				frames = append(frames, frame)
			}
		}
		step.sink.Consume(tick, frames)
	}
	return len(plan)
}

// snapshot возвращает план такта, пересчитывая его после изменений графа
func (g *Graph) snapshot() []planStep {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.plan == nil {
		g.plan = g.buildPlanLocked()
	}
	return g.plan
}

// buildPlanLocked топологическая сортировка (Kahn) по ребрам source -> sink.
// Узлы цикла, если он возник, добавляются в конец в порядке добавления.
func (g *Graph) buildPlanLocked() []planStep {
	inDegree := make(map[string]int, len(g.nodes))
	next := make(map[string][]string, len(g.nodes))
	sources := make(map[string][]Source)
	sinks := make(map[string]Sink)

	for _, e := range g.edges {
		inDegree[e.sink.ID()]++
		next[e.source.ID()] = append(next[e.source.ID()], e.sink.ID())
		sources[e.sink.ID()] = append(sources[e.sink.ID()], e.source)
		sinks[e.sink.ID()] = e.sink
	}

	visited := make(map[string]bool, len(g.nodes))
	ordered := make([]string, 0, len(g.nodes))
	var ready []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited[id] = true
		ordered = append(ordered, id)
		for _, n := range next[id] {
			inDegree[n]--
			if inDegree[n] == 0 {
				ready = append(ready, n)
			}
		}
	}
	if len(ordered) < len(g.order) {
		g.logger.Warn().Int("nodes", len(g.order)-len(ordered)).Msg("routing cycle detected")
		for _, id := range g.order {
			if !visited[id] {
				ordered = append(ordered, id)
			}
		}
	}

	plan := make([]planStep, 0, len(sinks))
	for _, id := range ordered {
		sink, ok := sinks[id]
		if !ok {
			continue
		}
		plan = append(plan, planStep{sink: sink, sources: sources[id]})
	}
	return plan
}

func (g *Graph) indexLocked(sinkID, sourceID string) int {
	for i, e := range g.edges {
		if e.sink.ID() == sinkID && e.source.ID() == sourceID {
			return i
		}
	}
	return -1
}

func (g *Graph) countSourcesLocked(sinkID string) int {
	n := 0
	for _, e := range g.edges {
		if e.sink.ID() == sinkID {
			n++
		}
	}
	return n
}

// String краткое описание графа для логов
func (g *Graph) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("Graph{nodes=%d, edges=%d}", len(g.nodes), len(g.edges))
}
