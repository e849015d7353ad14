package endpoint

import (
	"errors"

	"github.com/arzzra/media_server/pkg/audio"
)

// ConnectionMedia медиа поток соединения, подключаемый к узлу эндпоинта
type ConnectionMedia interface {
	ID() string
	Source() audio.Source
	Sink() audio.Sink
}

// Wiring вариант эндпоинта: какой узел создается и как к нему подключаются соединения
type Wiring interface {
	Kind() string
	NewNode(endpointID string) audio.Node
	Activate(g *audio.Graph, node audio.Node) error
	Deactivate(g *audio.Graph, node audio.Node) error
	// Register подключает conn. existing - ранее зарегистрированные соединения
	// в порядке регистрации.
	Register(g *audio.Graph, node audio.Node, conn ConnectionMedia, existing []ConnectionMedia) error
	// Unregister отключает conn, бывшее на позиции index. remaining - оставшиеся
	// соединения в порядке регистрации.
	Unregister(g *audio.Graph, node audio.Node, conn ConnectionMedia, index int, remaining []ConnectionMedia) error
}

// MixerWiring микшер: каждое соединение подает звук в микшер
// и получает результат сведения
type MixerWiring struct {
	Combiner audio.Combiner
}

func (MixerWiring) Kind() string { return "mixer" }

func (w MixerWiring) NewNode(endpointID string) audio.Node {
	return audio.NewMixer(endpointID+"/mixer", w.Combiner)
}

func (MixerWiring) Activate(g *audio.Graph, node audio.Node) error {
	g.Attach(node)
	return nil
}

func (MixerWiring) Deactivate(g *audio.Graph, node audio.Node) error {
	g.Detach(node)
	return nil
}

func (MixerWiring) Register(g *audio.Graph, node audio.Node, conn ConnectionMedia, _ []ConnectionMedia) error {
	mixer := node.(*audio.Mixer)
	if err := g.Join(mixer, conn.Source()); err != nil {
		return err
	}
	if err := g.Join(conn.Sink(), mixer); err != nil {
		_ = g.Unjoin(mixer, conn.Source())
		return err
	}
	return nil
}

func (MixerWiring) Unregister(g *audio.Graph, node audio.Node, conn ConnectionMedia, _ int, _ []ConnectionMedia) error {
	mixer := node.(*audio.Mixer)
	return errors.Join(
		g.Unjoin(mixer, conn.Source()),
		g.Unjoin(conn.Sink(), mixer),
	)
}

// SplitterWiring разветвитель: первое зарегистрированное соединение подает
// звук, остальные получают его копию
type SplitterWiring struct{}

func (SplitterWiring) Kind() string { return "splitter" }

func (SplitterWiring) NewNode(endpointID string) audio.Node {
	return audio.NewSplitter(endpointID + "/splitter")
}

func (SplitterWiring) Activate(g *audio.Graph, node audio.Node) error {
	g.Attach(node)
	return nil
}

func (SplitterWiring) Deactivate(g *audio.Graph, node audio.Node) error {
	g.Detach(node)
	return nil
}

func (SplitterWiring) Register(g *audio.Graph, node audio.Node, conn ConnectionMedia, existing []ConnectionMedia) error {
	splitter := node.(*audio.Splitter)
	if len(existing) == 0 {
		return g.Join(splitter, conn.Source())
	}
	return g.Join(conn.Sink(), splitter)
}

func (SplitterWiring) Unregister(g *audio.Graph, node audio.Node, conn ConnectionMedia, index int, remaining []ConnectionMedia) error {
	splitter := node.(*audio.Splitter)
	if index != 0 {
		return g.Unjoin(conn.Sink(), splitter)
	}

	if err := g.Unjoin(splitter, conn.Source()); err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}
	// Следующее по порядку соединение становится источником
	next := remaining[0]
	return errors.Join(
		g.Unjoin(next.Sink(), splitter),
		g.Join(splitter, next.Source()),
	)
}
