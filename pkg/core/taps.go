package core

import (
	"fmt"
	"io"

	"github.com/arzzra/media_server/pkg/audio"
)

// AttachRecorder подключает запись выхода эндпоинта в w.
// done получает результат подключения в mailbox эндпоинта.
func (s *Server) AttachRecorder(endpointID string, w io.Writer, done func(error)) (*audio.Recorder, error) {
	e, err := s.endpoints.Get(endpointID)
	if err != nil {
		return nil, err
	}
	recorder := audio.NewRecorder(s.tapID(endpointID, "recorder"), w, s.root)
	e.AttachTap(recorder, done)
	return recorder, nil
}

// AttachAnalyzer подключает анализ уровня выхода эндпоинта
func (s *Server) AttachAnalyzer(endpointID string, silenceThreshold int16, done func(error)) (*audio.Analyzer, error) {
	e, err := s.endpoints.Get(endpointID)
	if err != nil {
		return nil, err
	}
	analyzer := audio.NewAnalyzer(s.tapID(endpointID, "analyzer"), silenceThreshold)
	e.AttachTap(analyzer, done)
	return analyzer, nil
}

// DetachTap отключает запись или анализ от эндпоинта
func (s *Server) DetachTap(endpointID, tapID string, done func(error)) error {
	e, err := s.endpoints.Get(endpointID)
	if err != nil {
		return err
	}
	e.DetachTap(tapID, done)
	return nil
}

func (s *Server) tapID(endpointID, kind string) string {
	return fmt.Sprintf("%s/%s/%d", endpointID, kind, s.tapSeq.Add(1))
}
