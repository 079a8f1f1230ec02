package discovery

import "gopkg.in/yaml.v3"

// MemcacheConfig is the YAML shape for a Memcached-protocol service:
// hash/distribution policy plus the layered shard address lists, one row
// of addresses per shard.
type MemcacheConfig struct {
	Hash         string     `yaml:"hash"`
	Distribution string     `yaml:"distribution"`
	HashTag      string     `yaml:"hash_tag"`
	Master       []string   `yaml:"master"`
	MasterL1     [][]string `yaml:"master_l1"`
	Slave        []string   `yaml:"slave"`
	SlaveL1      [][]string `yaml:"slave_l1"`
}

// RedisBasic holds the scalar fields of a Redis service's "basic" block.
type RedisBasic struct {
	Hash            string `yaml:"hash"`
	Distribution    string `yaml:"distribution"`
	Listen          string `yaml:"listen"`
	ResourceType    string `yaml:"resource_type"`
	TimeoutMsMaster int    `yaml:"timeout_ms_master"`
	TimeoutMsSlave  int    `yaml:"timeout_ms_slave"`
}

// RedisShard is one shard's master/slave address pair.
type RedisShard struct {
	Master string `yaml:"master"`
	Slave  string `yaml:"slave"`
}

// RedisConfig is the YAML shape for a Redis-protocol service.
type RedisConfig struct {
	Basic  RedisBasic   `yaml:"basic"`
	Shards []RedisShard `yaml:"shards"`
}

// MQConfig is the YAML shape for the message-queue dialect's queue service.
type MQConfig struct {
	ResourceType    string   `yaml:"resource_type"`
	Offline         []string `yaml:"offline"`
	OfflineIdleTime int      `yaml:"offline_idle_time"`
	// Que holds the "que_<size>" keys verbatim; the distillation doesn't
	// need to parse queue depth out of the key name to wire addresses.
	Que map[string][]string `yaml:",inline"`
}

// KVBasic holds the scalar fields of the KV-over-MySQL "basic" block.
// Password arrives RSA-OAEP/PKCS1-encrypted; decrypt with DecryptPassword
// before use.
type KVBasic struct {
	DBName        string `yaml:"db_name"`
	DBCount       int    `yaml:"db_count"`
	Strategy      string `yaml:"strategy"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	TablePostfix  string `yaml:"table_postfix"`
	Selector      string `yaml:"selector"`
	TimeoutMaster int    `yaml:"timeout_master_ms"`
	TimeoutSlave  int    `yaml:"timeout_slave_ms"`
}

// KVConfig is the YAML shape for a KV-over-MySQL service: a basic block
// plus a year-range -> backend-address-list map (sharding by creation
// year/month per kvuuid.go's table naming).
type KVConfig struct {
	Basic    KVBasic             `yaml:"basic"`
	Backends map[string][]string `yaml:"backends"`
}

// PhantomBasic holds the scalar fields of a Phantom service's "basic"
// block: the same hash/distribution policy as Redis plus the minimum
// accepted numeric key.
type PhantomBasic struct {
	Hash         string `yaml:"hash"`
	Distribution string `yaml:"distribution"`
	MinKey       uint64 `yaml:"min_key"`
}

// PhantomConfig is the YAML shape for a Phantom Bloom-filter service,
// sharded the same way Redis is (one master/slave address pair per shard).
type PhantomConfig struct {
	Basic  PhantomBasic `yaml:"basic"`
	Shards []RedisShard `yaml:"shards"`
}

// ParsePhantomConfig unmarshals a Phantom service's YAML payload.
func ParsePhantomConfig(raw []byte) (PhantomConfig, error) {
	var cfg PhantomConfig
	err := yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

// ParseMemcacheConfig unmarshals a Memcached service's YAML payload.
func ParseMemcacheConfig(raw []byte) (MemcacheConfig, error) {
	var cfg MemcacheConfig
	err := yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

// ParseRedisConfig unmarshals a Redis service's YAML payload.
func ParseRedisConfig(raw []byte) (RedisConfig, error) {
	var cfg RedisConfig
	err := yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

// ParseMQConfig unmarshals an MQ service's YAML payload.
func ParseMQConfig(raw []byte) (MQConfig, error) {
	var cfg MQConfig
	err := yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

// ParseKVConfig unmarshals a KV-over-MySQL service's YAML payload.
func ParseKVConfig(raw []byte) (KVConfig, error) {
	var cfg KVConfig
	err := yaml.Unmarshal(raw, &cfg)
	return cfg, err
}
