// Package logging строит zerolog логгеры для компонентов медиа сервера
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config параметры логирования
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json или console
	Output io.Writer
}

// New создает корневой логгер. Пустой уровень означает info.
func New(config Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if config.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(config.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("неизвестный уровень логирования %q: %w", config.Level, err)
		}
		level = parsed
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(config.Format) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	default:
		return zerolog.Nop(), fmt.Errorf("неизвестный формат логов %q", config.Format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// WithComponent возвращает дочерний логгер с полем component
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
