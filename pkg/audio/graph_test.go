package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_server/pkg/media_errors"
)

// pcm кодирует отсчеты в 16-битный little-endian
func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samples(payload []byte) []int16 {
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out
}

// pushSource источник для тестов с кадрами из очереди
func pushSource(id string, frames ...[]byte) *QueueSource {
	q := NewFrameQueue(len(frames) + 1)
	for i, p := range frames {
		q.Push(NewFrame(p, 0, uint64(i+1)))
	}
	return NewQueueSource(id, q)
}

// collectSink приемник, запоминающий кадры по тактам
type collectSink struct {
	id     string
	frames map[uint64][]*Frame
	calls  []uint64
}

func newCollectSink(id string) *collectSink {
	return &collectSink{id: id, frames: make(map[uint64][]*Frame)}
}

func (s *collectSink) ID() string { return s.id }

func (s *collectSink) Consume(tick uint64, frames []*Frame) {
	s.calls = append(s.calls, tick)
	s.frames[tick] = append(s.frames[tick], frames...)
}

func TestJoinUnjoinErrorsLeaveGraphUnchanged(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	src := pushSource("src")
	sink := newCollectSink("sink")

	require.NoError(t, g.Join(sink, src))
	assert.True(t, g.IsJoined(sink, src))

	err := g.Join(sink, src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, media_errors.ErrAlreadyJoined))
	assert.Equal(t, 1, g.EdgeCount())

	require.NoError(t, g.Unjoin(sink, src))
	err = g.Unjoin(sink, src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, media_errors.ErrNotJoined))
	assert.Equal(t, 0, g.EdgeCount())
	assert.Equal(t, 2, g.NodeCount(), "узлы остаются в графе после отсоединения")
}

func TestJoinRejectsSelfLoop(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	m := NewMixer("m", nil)

	err := g.Join(m, m)
	assert.True(t, media_errors.Has(err, media_errors.CodeInvalidState))
	assert.Equal(t, 0, g.NodeCount())
}

func TestSourceFansOutOncePerTick(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	src := pushSource("src", pcm(1), pcm(2))
	a, b := newCollectSink("a"), newCollectSink("b")

	require.NoError(t, g.Join(a, src))
	require.NoError(t, g.Join(b, src))

	assert.Equal(t, 2, g.Transfer(1))
	require.Len(t, a.frames[1], 1)
	require.Len(t, b.frames[1], 1)
	assert.Same(t, a.frames[1][0], b.frames[1][0])
	assert.Equal(t, 1, src.Queue().Len(), "за такт извлекается один кадр")

	g.Transfer(2)
	assert.Equal(t, []int16{2}, samples(a.frames[2][0].Payload))
}

func TestMixerRunsBeforeDownstreamSinks(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	mixer := NewMixer("mixer", nil)
	out := newCollectSink("out")
	in1 := pushSource("in1", pcm(100, -100, 30000))
	in2 := pushSource("in2", pcm(50, -50, 10000))

	// Нижестоящий приемник присоединяется первым, порядок обхода задают ребра
	require.NoError(t, g.Join(out, mixer))
	require.NoError(t, g.Join(mixer, in1))
	require.NoError(t, g.Join(mixer, in2))

	g.Transfer(7)

	require.Len(t, out.frames[7], 1)
	assert.Equal(t, []int16{150, -150, 32767}, samples(out.frames[7][0].Payload), "сумма с насыщением")
	assert.Equal(t, uint64(1), mixer.Mixed())
}

func TestMixerOutputIsScopedToTick(t *testing.T) {
	mixer := NewMixer("mixer", nil)
	mixer.Consume(1, []*Frame{NewFrame(pcm(1), 0, 1)})

	_, ok := mixer.ReadFrame(2)
	assert.False(t, ok)
	f, ok := mixer.ReadFrame(1)
	require.True(t, ok)
	assert.Equal(t, []int16{1}, samples(f.Payload))

	mixer.Consume(3, nil)
	_, ok = mixer.ReadFrame(3)
	assert.False(t, ok, "без входных кадров нет выхода")
}

func TestLinearCombinerUnevenLengths(t *testing.T) {
	f := LinearCombiner{}.Combine([]*Frame{
		NewFrame(pcm(-30000, 5), 10, 1),
		NewFrame(pcm(-10000), 20, 2),
	})
	require.NotNil(t, f)
	assert.Equal(t, []int16{-32768, 5}, samples(f.Payload))
	assert.Equal(t, 4, f.Length)
	assert.EqualValues(t, 20, f.Timestamp)
}

func TestSplitterAcceptsSingleSource(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	sp := NewSplitter("splitter")
	in1, in2 := pushSource("in1", pcm(7)), pushSource("in2", pcm(8))
	a, b := newCollectSink("a"), newCollectSink("b")

	require.NoError(t, g.Join(sp, in1))
	err := g.Join(sp, in2)
	assert.True(t, media_errors.Has(err, media_errors.CodeInvalidState))

	require.NoError(t, g.Join(a, sp))
	require.NoError(t, g.Join(b, sp))

	g.Transfer(1)
	require.Len(t, a.frames[1], 1)
	require.Len(t, b.frames[1], 1)
	assert.Equal(t, []int16{7}, samples(b.frames[1][0].Payload))
	assert.Equal(t, uint64(1), sp.Forwarded())
}

func TestDetachRemovesEdges(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	mixer := NewMixer("mixer", nil)
	src := pushSource("src")
	sink := newCollectSink("sink")

	require.NoError(t, g.Join(mixer, src))
	require.NoError(t, g.Join(sink, mixer))
	assert.Len(t, g.Sources(mixer), 1)
	assert.Len(t, g.Sinks(mixer), 1)

	g.Detach(mixer)
	assert.False(t, g.Contains(mixer))
	assert.Equal(t, 0, g.EdgeCount())
	assert.Equal(t, 0, g.Transfer(1))
}

func TestUnjoinAll(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	mixer := NewMixer("mixer", nil)
	a, b := pushSource("a"), pushSource("b")
	out := newCollectSink("out")

	require.NoError(t, g.Join(mixer, a))
	require.NoError(t, g.Join(mixer, b))
	require.NoError(t, g.Join(out, a))

	assert.Equal(t, 2, g.UnjoinAll(mixer))
	assert.True(t, g.IsJoined(out, a))
	assert.Equal(t, 0, g.UnjoinAll(mixer))
}

func TestFrameQueueDropsOldest(t *testing.T) {
	q := NewFrameQueue(2)
	assert.False(t, q.Push(NewFrame(pcm(1), 0, 1)))
	assert.False(t, q.Push(NewFrame(pcm(2), 0, 2)))
	assert.True(t, q.Push(NewFrame(pcm(3), 0, 3)))

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, uint64(3), q.Pushed())

	f, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Sequence)

	q.Reset()
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestAnalyzerAndRecorder(t *testing.T) {
	g := NewGraph(zerolog.Nop())
	src := pushSource("src", pcm(10, -2000), pcm(1, -1))
	analyzer := NewAnalyzer("analyzer", 5)
	var buf bytes.Buffer
	recorder := NewRecorder("recorder", &buf, zerolog.Nop())

	require.NoError(t, g.Join(analyzer, src))
	require.NoError(t, g.Join(recorder, src))

	g.Transfer(1)
	g.Transfer(2)
	g.Transfer(3)

	stats := analyzer.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, int16(2000), stats.Peak)
	assert.Equal(t, uint64(1), stats.Silence)

	assert.Equal(t, append(pcm(10, -2000), pcm(1, -1)...), buf.Bytes())
	assert.Equal(t, uint64(8), recorder.Written())
	assert.NoError(t, recorder.Err())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRecorderStopsOnWriteError(t *testing.T) {
	recorder := NewRecorder("recorder", failingWriter{}, zerolog.Nop())
	recorder.Consume(1, []*Frame{NewFrame(pcm(1), 0, 1), NewFrame(pcm(2), 0, 2)})
	recorder.Consume(2, []*Frame{NewFrame(pcm(3), 0, 3)})

	assert.EqualError(t, recorder.Err(), "disk full")
	assert.Zero(t, recorder.Written())
}
