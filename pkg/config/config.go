// Package config загружает статическую конфигурацию медиа сервера.
//
// Источники по возрастанию приоритета: значения по умолчанию, YAML файл,
// переменные окружения с префиксом MEDIA_ (MEDIA_RTP_PORT_MIN для rtp.port_min).
// Конфигурация читается один раз при запуске.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/rtp"
	"github.com/arzzra/media_server/pkg/scheduler"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "MEDIA"

// Config конфигурация медиа сервера
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RTP       RTPConfig       `mapstructure:"rtp"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig параметры планировщика
type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	MaxTickDuration time.Duration `mapstructure:"max_tick_duration"`
	MaxQueueDepth   int           `mapstructure:"max_queue_depth"`
	// Priorities вид задачи -> класс приоритета (input, mixer, output, housekeeping)
	Priorities map[string]string `mapstructure:"priorities"`
}

// RTPConfig параметры RTP сессий и UDP транспорта
type RTPConfig struct {
	BindAddress      string        `mapstructure:"bind_address"`
	PortMin          int           `mapstructure:"port_min"`
	PortMax          int           `mapstructure:"port_max"`
	ProbePorts       bool          `mapstructure:"probe_ports"`
	DSCP             int           `mapstructure:"dscp"`
	ReusePort        bool          `mapstructure:"reuse_port"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	Ptime            time.Duration `mapstructure:"ptime"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
}

// EndpointsConfig пространства имен эндпоинтов
type EndpointsConfig struct {
	MixerNamespace    string `mapstructure:"mixer_namespace"`
	SplitterNamespace string `mapstructure:"splitter_namespace"`
}

// MetricsConfig параметры Prometheus
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
	Namespace     string `mapstructure:"namespace"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default конфигурация по умолчанию
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			TickInterval:    scheduler.DefaultTickInterval,
			MaxTickDuration: scheduler.DefaultMaxTickDuration,
			MaxQueueDepth:   scheduler.DefaultMaxQueueDepth,
			Priorities: map[string]string{
				"ingress":    "input",
				"transfer":   "mixer",
				"egress":     "output",
				"statistics": "housekeeping",
			},
		},
		RTP: RTPConfig{
			BindAddress:      "0.0.0.0",
			PortMin:          10000,
			PortMax:          20000,
			DSCP:             46,
			OperationTimeout: rtp.DefaultOperationTimeout,
			Ptime:            rtp.DefaultPtime,
			QueueCapacity:    16,
		},
		Endpoints: EndpointsConfig{
			MixerNamespace:    "mobicents/bridge/",
			SplitterNamespace: "mobicents/splitter/",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9102",
			Namespace:     "media_server",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load читает конфигурацию. Пустой path означает только значения
// по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)
	v.SetDefault("scheduler.max_tick_duration", d.Scheduler.MaxTickDuration)
	v.SetDefault("scheduler.max_queue_depth", d.Scheduler.MaxQueueDepth)
	v.SetDefault("scheduler.priorities", d.Scheduler.Priorities)

	v.SetDefault("rtp.bind_address", d.RTP.BindAddress)
	v.SetDefault("rtp.port_min", d.RTP.PortMin)
	v.SetDefault("rtp.port_max", d.RTP.PortMax)
	v.SetDefault("rtp.probe_ports", d.RTP.ProbePorts)
	v.SetDefault("rtp.dscp", d.RTP.DSCP)
	v.SetDefault("rtp.reuse_port", d.RTP.ReusePort)
	v.SetDefault("rtp.operation_timeout", d.RTP.OperationTimeout)
	v.SetDefault("rtp.ptime", d.RTP.Ptime)
	v.SetDefault("rtp.queue_capacity", d.RTP.QueueCapacity)

	v.SetDefault("endpoints.mixer_namespace", d.Endpoints.MixerNamespace)
	v.SetDefault("endpoints.splitter_namespace", d.Endpoints.SplitterNamespace)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_address", d.Metrics.ListenAddress)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate проверяет конфигурацию и возвращает все найденные ошибки
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval должен быть положительным"))
	}
	if c.Scheduler.MaxTickDuration <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_tick_duration должен быть положительным"))
	}
	if c.Scheduler.MaxQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_queue_depth должен быть положительным"))
	}
	if _, err := c.PriorityMap(); err != nil {
		errs = append(errs, err)
	}

	if net.ParseIP(c.RTP.BindAddress) == nil {
		errs = append(errs, fmt.Errorf("rtp.bind_address %q не является IP адресом", c.RTP.BindAddress))
	}
	if c.RTP.PortMin <= 0 || c.RTP.PortMax > 65535 || c.RTP.PortMin >= c.RTP.PortMax {
		errs = append(errs, fmt.Errorf("неверный диапазон портов rtp: %d-%d", c.RTP.PortMin, c.RTP.PortMax))
	}
	if c.RTP.DSCP < 0 || c.RTP.DSCP > 63 {
		errs = append(errs, fmt.Errorf("rtp.dscp должен быть в диапазоне 0-63, получено %d", c.RTP.DSCP))
	}
	if c.RTP.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("rtp.operation_timeout должен быть положительным"))
	}
	if c.RTP.Ptime <= 0 {
		errs = append(errs, fmt.Errorf("rtp.ptime должен быть положительным"))
	}
	if c.RTP.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("rtp.queue_capacity должен быть положительным"))
	}

	if c.Endpoints.MixerNamespace == "" || c.Endpoints.SplitterNamespace == "" {
		errs = append(errs, fmt.Errorf("пространства имен эндпоинтов обязательны"))
	} else if c.Endpoints.MixerNamespace == c.Endpoints.SplitterNamespace {
		errs = append(errs, fmt.Errorf("пространства имен микшеров и разветвителей совпадают"))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("metrics.listen_address обязателен при включенных метриках"))
	}

	if _, err := logging.New(c.LoggingConfig()); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("неверная конфигурация: %w", errors.Join(errs...))
	}
	return nil
}

// PriorityMap классы приоритета по видам задач
func (c *Config) PriorityMap() (scheduler.PriorityMap, error) {
	return scheduler.ParsePriorityMap(c.Scheduler.Priorities)
}

// SchedulerOptions параметры для scheduler.New без часов, логгера и наблюдателя
func (c *Config) SchedulerOptions() scheduler.Config {
	return scheduler.Config{
		TickInterval:    c.Scheduler.TickInterval,
		MaxTickDuration: c.Scheduler.MaxTickDuration,
		MaxQueueDepth:   c.Scheduler.MaxQueueDepth,
	}
}

// PortRange диапазон RTP портов
func (c *Config) PortRange() rtp.PortRange {
	return rtp.PortRange{Min: c.RTP.PortMin, Max: c.RTP.PortMax}
}

// SocketOptions параметры UDP сокетов
func (c *Config) SocketOptions() rtp.SocketOptions {
	return rtp.SocketOptions{DSCP: c.RTP.DSCP, ReusePort: c.RTP.ReusePort}
}

// LoggingConfig параметры логгера
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
