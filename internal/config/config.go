package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/blacksky-algorithms/rsky-sub000/internal/backfill"
	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/indexer"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest/kafka"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest/rabbitmq"
)

const (
	SourceKafka    = "kafka"
	SourceRabbitMQ = "rabbitmq"
	SourceNone     = "none"
)

type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Backfill BackfillConfig `mapstructure:"backfill"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// UpstreamConfig names the network peers the pipeline talks to directly:
// the host repositories are listed and fetched from, and the DID directory
// handles resolve against. An empty host disables repository expansion.
type UpstreamConfig struct {
	Host      string `mapstructure:"host"`
	Directory string `mapstructure:"directory"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	// HighWaterMarks bound stream length by name; zero means unbounded.
	HighWaterMarks map[string]int `mapstructure:"high_water_marks"`
	TrimInterval   time.Duration  `mapstructure:"trim_interval"`
}

type IngestConfig struct {
	// Source names the broker the firehose is relayed through.
	Source          string         `mapstructure:"source"`
	AllowPrefixes   []string       `mapstructure:"allow_prefixes"`
	CheckpointEvery int            `mapstructure:"checkpoint_every"`
	Kafka           KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ        RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topics         []string      `mapstructure:"topics"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	WorkerCount    int           `mapstructure:"worker_count"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	FetchMinBytes  int32         `mapstructure:"fetch_min_bytes"`
	FetchMaxBytes  int32         `mapstructure:"fetch_max_bytes"`
	FetchMaxWait   time.Duration `mapstructure:"fetch_max_wait"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	URL           string          `mapstructure:"url"`
	Endpoints     []string        `mapstructure:"endpoints"`
	Exchange      string          `mapstructure:"exchange"`
	Queue         string          `mapstructure:"queue"`
	RoutingKeys   []string        `mapstructure:"routing_keys"`
	ConsumerTag   string          `mapstructure:"consumer_tag"`
	PrefetchCount int             `mapstructure:"prefetch_count"`
	Workers       int             `mapstructure:"workers"`
	DeliveryQueue int             `mapstructure:"delivery_queue"`
	Username      string          `mapstructure:"username"`
	Password      string          `mapstructure:"password"`
	TLS           RabbitTLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type RabbitTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type BackfillConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	SeedPageSize   int           `mapstructure:"seed_page_size"`
}

type IndexerConfig struct {
	Streams        []string `mapstructure:"streams"`
	Group          string   `mapstructure:"group"`
	Consumer       string   `mapstructure:"consumer"`
	Concurrency    int      `mapstructure:"concurrency"`
	Batch          int      `mapstructure:"batch"`
	StuckThreshold int      `mapstructure:"stuck_threshold"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("rsky")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "data/subsky.db")
	v.SetDefault("queue.trim_interval", "30s")
	v.SetDefault("ingest.source", SourceKafka)
	v.SetDefault("ingest.allow_prefixes", ingest.DefaultAllowPrefixes)
	v.SetDefault("ingest.checkpoint_every", 200)
	v.SetDefault("upstream.directory", "https://plc.directory")
	v.SetDefault("backfill.concurrency", 4)
	v.SetDefault("backfill.max_retries", 5)
	v.SetDefault("backfill.initial_backoff", "1s")
	v.SetDefault("backfill.max_backoff", "5m")
	v.SetDefault("backfill.chunk_size", 200)
	v.SetDefault("backfill.seed_page_size", 500)
	v.SetDefault("indexer.streams", []string{domain.StreamFirehoseLive, domain.StreamFirehoseBackfill})
	v.SetDefault("indexer.group", "indexer")
	v.SetDefault("indexer.consumer", defaultConsumerName())
	v.SetDefault("indexer.concurrency", 8)
	v.SetDefault("indexer.batch", 32)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9464")
}

// defaultConsumerName makes a name stable enough to read in logs but unique
// across processes on the same host.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "indexer"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	for name, mark := range c.Queue.HighWaterMarks {
		if mark < 0 {
			return fmt.Errorf("queue.high_water_marks.%s must be >= 0", name)
		}
	}
	switch c.Ingest.Source {
	case SourceKafka:
		if !c.Ingest.Kafka.Enabled {
			return fmt.Errorf("ingest.source is kafka but ingest.kafka.enabled is false")
		}
	case SourceRabbitMQ:
		if !c.Ingest.RabbitMQ.Enabled {
			return fmt.Errorf("ingest.source is rabbitmq but ingest.rabbitmq.enabled is false")
		}
	case SourceNone:
	default:
		return fmt.Errorf("ingest.source must be one of kafka, rabbitmq, none; got %q", c.Ingest.Source)
	}
	if err := c.Ingest.Kafka.adapter().Validate(); err != nil {
		return err
	}
	if err := c.Ingest.RabbitMQ.adapter().Validate(); err != nil {
		return err
	}
	if len(c.Indexer.Streams) == 0 {
		return fmt.Errorf("indexer.streams is required")
	}
	if c.Indexer.Group == "" {
		return fmt.Errorf("indexer.group is required")
	}
	return nil
}

func (c KafkaConfig) adapter() kafka.Config {
	return kafka.Config{
		Enabled:        c.Enabled,
		Brokers:        c.Brokers,
		Topics:         c.Topics,
		GroupID:        c.GroupID,
		ClientID:       c.ClientID,
		WorkerCount:    c.WorkerCount,
		MaxPollRecords: c.MaxPollRecords,
		QueueCapacity:  c.QueueCapacity,
		Auth: kafka.AuthConfig{TLS: kafka.TLSConfig{
			Enabled:            c.TLS.Enabled,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		}},
		Fetch: kafka.FetchConfig{
			MinBytes: c.FetchMinBytes,
			MaxBytes: c.FetchMaxBytes,
			MaxWait:  c.FetchMaxWait,
		},
	}
}

func (c RabbitMQConfig) adapter() rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       c.Enabled,
		URL:           c.URL,
		Endpoints:     c.Endpoints,
		Exchange:      c.Exchange,
		Queue:         c.Queue,
		RoutingKeys:   c.RoutingKeys,
		ConsumerTag:   c.ConsumerTag,
		PrefetchCount: c.PrefetchCount,
		Workers:       c.Workers,
		DeliveryQueue: c.DeliveryQueue,
		TLS: rabbitmq.TLSConfig{
			Enabled:            c.TLS.Enabled,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			ServerName:         c.TLS.ServerName,
			CAFile:             c.TLS.CAFile,
			CertFile:           c.TLS.CertFile,
			KeyFile:            c.TLS.KeyFile,
		},
		Auth: rabbitmq.AuthConfig{Username: c.Username, Password: c.Password},
	}
}

// KafkaAdapter returns the adapter configuration for the kafka source.
func (c IngestConfig) KafkaAdapter() kafka.Config { return c.Kafka.adapter() }

// RabbitMQAdapter returns the adapter configuration for the rabbitmq source.
func (c IngestConfig) RabbitMQAdapter() rabbitmq.Config { return c.RabbitMQ.adapter() }

// Producer returns the normalization options for the firehose producer.
func (c IngestConfig) Producer() ingest.ProducerOptions {
	return ingest.ProducerOptions{
		SourceName:      c.Source,
		AllowPrefixes:   c.AllowPrefixes,
		CheckpointEvery: c.CheckpointEvery,
	}
}

// Backfiller returns the options for the repository backfiller.
func (c BackfillConfig) Backfiller() backfill.Options {
	return backfill.Options{
		Concurrency:    c.Concurrency,
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		ChunkSize:      c.ChunkSize,
	}
}

// Indexing returns the options for the indexing stage.
func (c IndexerConfig) Indexing(trimInterval time.Duration) indexer.Options {
	return indexer.Options{
		Streams:        c.Streams,
		Group:          c.Group,
		Consumer:       c.Consumer,
		Concurrency:    c.Concurrency,
		Batch:          c.Batch,
		StuckThreshold: c.StuckThreshold,
		TrimInterval:   trimInterval,
	}
}
