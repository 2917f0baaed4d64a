package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"clusterd/backend"
	"clusterd/cluster"
	"clusterd/logging"
)

const (
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
	BackendDynamoDB = "dynamodb"
	BackendMongoDB  = "mongodb"
	BackendNone     = "none"
)

type config struct {
	InstanceID  string    `yaml:"instance_id"`
	ClusterName string    `yaml:"cluster_name"`
	Listen      string    `yaml:"listen"`
	Log         logConfig `yaml:"log"`

	Backend  string         `yaml:"backend"`
	Postgres postgresConfig `yaml:"postgres"`
	Etcd     etcdConfig     `yaml:"etcd"`
	DynamoDB dynamoDBConfig `yaml:"dynamodb"`
	MongoDB  mongoDBConfig  `yaml:"mongodb"`

	Relational intervalConfig `yaml:"relational"`
	Directory  intervalConfig `yaml:"directory"`
}

type logConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type postgresConfig struct {
	URL            string        `yaml:"url"`
	Table          string        `yaml:"table"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type etcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Table       string        `yaml:"table"`
}

type dynamoDBConfig struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Table     string `yaml:"table"`
	Entry     string `yaml:"entry"`
	Attribute string `yaml:"attribute"`
}

type mongoDBConfig struct {
	URL        string `yaml:"url"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	Entry      string `yaml:"entry"`
	Attribute  string `yaml:"attribute"`
}

type intervalConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	NodeTimeout       time.Duration `yaml:"node_timeout"`
	NodePurgeInterval time.Duration `yaml:"node_purge_interval"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	StopGracePeriod   time.Duration `yaml:"stop_grace_period"`
}

func fromSettings(s cluster.Settings) intervalConfig {
	return intervalConfig{
		HeartbeatInterval: s.HeartbeatInterval,
		NodeTimeout:       s.NodeTimeout,
		NodePurgeInterval: s.NodePurgeInterval,
		OperationTimeout:  s.OperationTimeout,
		StopGracePeriod:   s.StopGracePeriod,
	}
}

func (i intervalConfig) settings() cluster.Settings {
	return cluster.Settings{
		HeartbeatInterval: i.HeartbeatInterval,
		NodeTimeout:       i.NodeTimeout,
		NodePurgeInterval: i.NodePurgeInterval,
		OperationTimeout:  i.OperationTimeout,
		StopGracePeriod:   i.StopGracePeriod,
	}
}

func defaultConfig() config {
	return config{
		ClusterName: "default",
		Listen:      ":8080",
		Log:         logConfig{Level: string(logging.InfoLevel)},
		Backend:     BackendPostgres,
		Postgres: postgresConfig{
			URL:   "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable",
			Table: "cluster_nodes",
		},
		Etcd: etcdConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
			Table:       "cluster_nodes",
		},
		DynamoDB: dynamoDBConfig{
			Table:     backend.DefaultDynamoDBTable,
			Entry:     "cluster-nodes",
			Attribute: "members",
		},
		MongoDB: mongoDBConfig{
			URL:        "mongodb://127.0.0.1:27017/",
			Database:   "clusterd",
			Collection: backend.DefaultMongoCollection,
			Entry:      "cluster-nodes",
			Attribute:  "members",
		},
		Relational: fromSettings(cluster.RelationalSettings()),
		Directory:  fromSettings(cluster.DirectorySettings()),
	}
}

// loadConfig reads the YAML file at path over the defaults. An empty
// path yields the defaults.
func loadConfig(path string) (config, error) {
	conf := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return conf, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &conf); err != nil {
			return conf, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if conf.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return conf, fmt.Errorf("failed to get hostname: %w", err)
		}
		conf.InstanceID = hostname
	}
	return conf, nil
}

// applyFlags overrides config values with the persistent flags the user
// set explicitly.
func (c *config) applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("instance-id") {
		c.InstanceID, _ = flags.GetString("instance-id")
	}
	if flags.Changed("cluster-name") {
		c.ClusterName, _ = flags.GetString("cluster-name")
	}
	if flags.Changed("backend") {
		c.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("listen") {
		c.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("log-level") {
		c.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		c.Log.JSON, _ = flags.GetBool("log-json")
	}
}

func (c config) validate() error {
	if c.InstanceID == "" {
		return cluster.ErrInvalidInstanceID
	}
	if c.ClusterName == "" {
		return fmt.Errorf("cluster name must be specified")
	}
	switch c.Backend {
	case BackendPostgres, BackendEtcd, BackendDynamoDB, BackendMongoDB, BackendNone:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if !logging.Level(c.Log.Level).Valid() {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if err := c.settings().Validate(); err != nil {
		return fmt.Errorf("invalid %s interval profile: %w", c.profileName(), err)
	}
	return nil
}

func (c config) isDirectory() bool {
	return c.Backend == BackendDynamoDB || c.Backend == BackendMongoDB
}

func (c config) profileName() string {
	if c.isDirectory() {
		return "directory"
	}
	return "relational"
}

// settings returns the interval profile matching the backend kind.
func (c config) settings() cluster.Settings {
	if c.isDirectory() {
		return c.Directory.settings()
	}
	return c.Relational.settings()
}

// fingerprint is the cluster-relevant part of the configuration. Nodes
// of one cluster are expected to agree on all of it.
type fingerprint struct {
	ClusterName string          `yaml:"cluster_name"`
	Backend     string          `yaml:"backend"`
	Postgres    *postgresConfig `yaml:"postgres,omitempty"`
	Etcd        *etcdConfig     `yaml:"etcd,omitempty"`
	DynamoDB    *dynamoDBConfig `yaml:"dynamodb,omitempty"`
	MongoDB     *mongoDBConfig  `yaml:"mongodb,omitempty"`
	Intervals   intervalConfig  `yaml:"intervals"`
}

// hash returns the first 16 hex characters of the SHA-256 of the
// fingerprint's YAML encoding.
func (c config) hash() string {
	fp := fingerprint{
		ClusterName: c.ClusterName,
		Backend:     c.Backend,
		Intervals:   fromSettings(c.settings()),
	}
	switch c.Backend {
	case BackendPostgres:
		fp.Postgres = &c.Postgres
	case BackendEtcd:
		fp.Etcd = &c.Etcd
	case BackendDynamoDB:
		fp.DynamoDB = &c.DynamoDB
	case BackendMongoDB:
		fp.MongoDB = &c.MongoDB
	}

	data, err := yaml.Marshal(fp)
	if err != nil {
		// Plain structs of strings and numbers always encode.
		panic(fmt.Sprintf("failed to encode config fingerprint: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// storage is an opened backend: the provider the coordinator runs on
// plus the hooks the admin commands need.
type storage struct {
	provider cluster.StorageProvider

	// provision creates the table or entry the provider writes to.
	provision func(ctx context.Context) error

	// drop removes the table or entry with everything in it.
	drop func(ctx context.Context) error

	close func(ctx context.Context)
}

// openStorage connects to the configured backend. The none backend
// returns a nil provider and no error; the coordinator reports it at
// Start.
func openStorage(ctx context.Context, conf config, logger zerolog.Logger) (*storage, error) {
	switch conf.Backend {
	case BackendPostgres:
		kv, err := backend.ConnectPostgres(ctx, backend.PostgresOptions{
			URL:            conf.Postgres.URL,
			MaxConns:       conf.Postgres.MaxConns,
			MinConns:       conf.Postgres.MinConns,
			ConnectTimeout: conf.Postgres.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &storage{
			provider:  cluster.NewRelationalStorageProvider(kv, BackendPostgres, conf.Postgres.Table, logger),
			provision: func(ctx context.Context) error { return kv.EnsureTable(ctx, conf.Postgres.Table) },
			drop:      func(ctx context.Context) error { return kv.DropTable(ctx, conf.Postgres.Table) },
			close:     func(context.Context) { kv.Close() },
		}, nil

	case BackendEtcd:
		client, err := backend.ConnectEtcd(conf.Etcd.Endpoints, conf.Etcd.DialTimeout)
		if err != nil {
			return nil, err
		}
		kv := backend.NewEtcdKV(client, conf.ClusterName)
		return &storage{
			provider:  cluster.NewRelationalStorageProvider(kv, BackendEtcd, conf.Etcd.Table, logger),
			provision: func(context.Context) error { return nil },
			drop:      func(ctx context.Context) error { return kv.DeleteTable(ctx, conf.Etcd.Table) },
			close:     func(context.Context) { _ = kv.Close() },
		}, nil

	case BackendDynamoDB:
		client, err := backend.NewDynamoDBClient(ctx, conf.DynamoDB.Region, conf.DynamoDB.Endpoint)
		if err != nil {
			return nil, err
		}
		dir := backend.NewDynamoDBDirectory(client, conf.DynamoDB.Table, conf.ClusterName, logger)
		return &storage{
			provider: cluster.NewDirectoryStorageProvider(dir, BackendDynamoDB, conf.DynamoDB.Entry, conf.DynamoDB.Attribute, logger),
			provision: func(ctx context.Context) error {
				if err := dir.InitTable(ctx); err != nil {
					return err
				}
				return dir.InitEntry(ctx, conf.DynamoDB.Entry)
			},
			drop:  func(ctx context.Context) error { return dir.DeleteEntry(ctx, conf.DynamoDB.Entry) },
			close: func(context.Context) {},
		}, nil

	case BackendMongoDB:
		dir, err := backend.ConnectMongo(ctx, conf.MongoDB.URL, conf.MongoDB.Database, conf.MongoDB.Collection, 0)
		if err != nil {
			return nil, err
		}
		return &storage{
			provider:  cluster.NewDirectoryStorageProvider(dir, BackendMongoDB, conf.MongoDB.Entry, conf.MongoDB.Attribute, logger),
			provision: func(ctx context.Context) error { return dir.InitEntry(ctx, conf.MongoDB.Entry) },
			drop:      func(ctx context.Context) error { return dir.DeleteEntry(ctx, conf.MongoDB.Entry) },
			close:     func(ctx context.Context) { _ = dir.Close(ctx) },
		}, nil

	case BackendNone:
		return &storage{
			provision: func(context.Context) error { return cluster.ErrBackendDisabled },
			drop:      func(context.Context) error { return cluster.ErrBackendDisabled },
			close:     func(context.Context) {},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", conf.Backend)
}
