package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	statsd "github.com/smira/go-statsd"
)

type Config struct {
	Addr              string        `envconfig:"STATSD_ADDR,optional"`
	Prefix            string        `envconfig:"STATSD_PREFIX,default=enmasse.ragent."`
	TagStyle          string        `envconfig:"STATSD_TAG_STYLE,default=influxdb"`
	FlushInterval     time.Duration `envconfig:"STATSD_FLUSH_INTERVAL,default=100ms"`
	ReconnectInterval time.Duration `envconfig:"STATSD_RECONNECT_INTERVAL,default=1m"`
}

// Statsd reports agent metrics tagged with the node and, when known, the
// address space the agent serves.
type Statsd struct {
	client *statsd.Client
}

func NewStatsd(nodeName string, addressSpace string, cfg Config) (*Statsd, error) {
	style, err := tagStyle(cfg.TagStyle)
	if err != nil {
		return nil, err
	}
	tags := []statsd.Tag{
		statsd.StringTag("node", nodeName),
		statsd.StringTag("component", "ragent"),
	}
	if addressSpace != "" {
		tags = append(tags, statsd.StringTag("address_space", addressSpace))
	}
	clnt := statsd.NewClient(
		cfg.Addr,
		statsd.MetricPrefix(cfg.Prefix),
		statsd.TagStyle(style),
		statsd.DefaultTags(tags...),
		statsd.FlushInterval(cfg.FlushInterval),
		statsd.ReconnectInterval(cfg.ReconnectInterval),
		statsd.Logger(statsdLogger{log: log.With().Str("component", "statsd").Logger()}),
	)
	return &Statsd{
		client: clnt,
	}, nil
}

func tagStyle(name string) (*statsd.TagFormat, error) {
	switch strings.ToLower(name) {
	case "", "influxdb":
		return statsd.TagFormatInfluxDB, nil
	case "datadog":
		return statsd.TagFormatDatadog, nil
	case "graphite":
		return statsd.TagFormatGraphite, nil
	}
	return nil, fmt.Errorf("unknown statsd tag style %q", name)
}

type statsdLogger struct {
	log zerolog.Logger
}

func (l statsdLogger) Printf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (s *Statsd) Increment(metric string) {
	s.client.Incr(metric, 1)
}

func (s *Statsd) Duration(metric string, duration time.Duration) {
	s.client.PrecisionTiming(metric, duration)
}

func (s *Statsd) Gauge(metric string, value int) {
	s.client.Gauge(metric, int64(value))
}

func (s *Statsd) Close() error {
	return s.client.Close()
}
