// Command breezed terminates Memcached, Redis, Phantom, and KV-over-MySQL
// client connections and routes them across sharded backend pools
// according to each service's declared topology.
package main

import (
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/resourcemesh/breeze/dist"
	"github.com/resourcemesh/breeze/discovery"
	"github.com/resourcemesh/breeze/gc"
	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/pipeline"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/proto/kv"
	"github.com/resourcemesh/breeze/proto/memcache"
	"github.com/resourcemesh/breeze/proto/phantom"
	"github.com/resourcemesh/breeze/proto/redis"
	"github.com/resourcemesh/breeze/refresh"
	"github.com/resourcemesh/breeze/topology"
)

type config struct {
	ServiceFile      string `long:"service-file" description:"Newline-delimited listener declaration file (<service>@<family>:<addr>@<protocol>)" required:"true"`
	ConfigDir        string `long:"config-dir" description:"Directory holding one <service>.snapshot file per declared service" required:"true"`
	PrivateKeyPath   string `long:"private-key" description:"PEM path for decrypting a KV service's configured password"`
	MetricsAddr      string `long:"metrics-addr" description:"Address to serve Prometheus /metrics on" default:":9090"`
	LogLevel         string `long:"log-level" description:"logrus level name" default:"info"`
	Capacity         int    `long:"endpoint-queue-capacity" description:"Per-endpoint send channel capacity" default:"4096"`
	MaxTries         int    `long:"max-tries" description:"Maximum Get try-next promotions per request" default:"2"`
	ConnectTimeoutMs int    `long:"connect-timeout-ms" default:"100"`
	RequestTimeoutMs int    `long:"request-timeout-ms" default:"150"`
}

func main() {
	cfg := new(config)
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("breezed: invalid log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	if err := run(cfg); err != nil {
		logrus.WithError(err).Error("breezed: fatal startup error")
		os.Exit(1)
	}
}

// service bundles one declared listener with the codec and namespace it
// dispatches through.
type service struct {
	addr  discovery.ServiceAddr
	codec proto.Codec
}

func run(cfg *config) error {
	raw, err := os.ReadFile(cfg.ServiceFile)
	if err != nil {
		return errors.Wrap(err, "reading service file")
	}

	var privKey *rsa.PrivateKey
	if cfg.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return errors.Wrap(err, "reading private key")
		}
		privKey, err = discovery.LoadPrivateKey(pemBytes)
		if err != nil {
			return errors.Wrap(err, "parsing private key")
		}
	}

	endpointCfg := topology.EndpointConfig{
		Capacity:       cfg.Capacity,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		MaxTries:       cfg.MaxTries,
	}

	namespaces := make(map[string]*topology.Namespace)
	services := make([]service, 0)
	var snapHasher hash.Hasher
	var snapDist dist.Distributor
	var snapSel dist.Selector = dist.Random{}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := discovery.ParseServiceFile(line)
		if err != nil {
			return errors.Wrapf(err, "parsing service file entry %q", line)
		}

		snapPath := filepath.Join(cfg.ConfigDir, addr.Service+".snapshot")
		snapRaw, err := os.ReadFile(snapPath)
		if err != nil {
			return errors.Wrapf(err, "reading snapshot for service %s", addr.Service)
		}
		hdr, payload, err := discovery.ParseSnapshotFile(snapRaw)
		if err != nil {
			return errors.Wrapf(err, "parsing snapshot header for service %s", addr.Service)
		}
		logrus.WithFields(logrus.Fields{
			"service":    addr.Service,
			"protocol":   addr.Protocol,
			"writtenAt":  hdr.WrittenAt,
			"configHash": hdr.Hash,
		}).Info("breezed: loaded service config")

		codec, ns, h, d, err := buildService(addr, payload, endpointCfg, privKey)
		if err != nil {
			return errors.Wrapf(err, "building service %s", addr.Service)
		}
		namespaces[addr.Service] = ns
		services = append(services, service{addr: addr, codec: codec})
		// The last service configured supplies the shared hasher/distributor
		// carried on Snapshot itself; every namespace's own group endpoints
		// were already built with their own codec and timeouts above, so
		// this only affects the Snapshot-level Hash/ShardIdx convenience
		// methods used by protocols that hash once per stream rather than
		// per namespace (none currently do, kept for forward compatibility).
		snapHasher, snapDist = h, d
	}

	if len(services) == 0 {
		return errors.Errorf("no services declared in %s", cfg.ServiceFile)
	}

	gcQueue := gc.New()
	gcQueue.Start()
	defer gcQueue.Stop()

	snap := topology.BuildSnapshot(1, snapHasher, snapDist, snapSel, namespaces)
	holder := refresh.New(snap, gcQueue)

	closing := make(chan struct{})
	var listeners []net.Listener
	for _, svc := range services {
		l, err := listen(svc.addr)
		if err != nil {
			return errors.Wrapf(err, "listening for service %s", svc.addr.Service)
		}
		listeners = append(listeners, l)
		go acceptLoop(l, svc, holder, gcQueue, cfg.MaxTries, closing)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logrus.WithError(err).Warn("breezed: metrics server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig

	logrus.Info("breezed: received shutdown signal, draining")
	close(closing)
	for _, l := range listeners {
		l.Close()
	}
	return nil
}

func listen(addr discovery.ServiceAddr) (net.Listener, error) {
	switch addr.Family {
	case "unix":
		os.Remove(addr.Addr)
		return net.Listen("unix", addr.Addr)
	default:
		return net.Listen("tcp", net.JoinHostPort("", addr.Addr))
	}
}

func acceptLoop(l net.Listener, svc service, holder *refresh.Holder, gcQueue *gc.Queue, maxTries int, closing <-chan struct{}) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-closing:
				return
			default:
				logrus.WithError(err).WithField("service", svc.addr.Service).Warn("breezed: accept failed")
				return
			}
		}
		go func() {
			p := pipeline.New(conn, svc.codec, svc.addr.Service, holder, gcQueue, maxTries)
			if err := p.Run(closing); err != nil {
				logrus.WithError(err).WithField("service", svc.addr.Service).Debug("breezed: connection closed")
			}
			conn.Close()
		}()
	}
}

func buildService(addr discovery.ServiceAddr, payload []byte, endpointCfg topology.EndpointConfig, privKey *rsa.PrivateKey) (proto.Codec, *topology.Namespace, hash.Hasher, dist.Distributor, error) {
	switch addr.Protocol {
	case "memcache_binary", "memcache_text":
		cfg, err := discovery.ParseMemcacheConfig(payload)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h, d, err := resolveHashDist(cfg.Hash, cfg.Distribution, cfg.Master)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		var codec proto.Codec = memcache.Binary{}
		if addr.Protocol == "memcache_text" {
			codec = memcache.Text{}
		}
		ecfg := endpointCfg
		ecfg.Codec = codec
		ns, err := topology.BuildLayeredNamespace(addr.Service, ecfg, cfg.Master, cfg.MasterL1, cfg.Slave, cfg.SlaveL1)
		return codec, ns, h, d, err

	case "redis":
		cfg, err := discovery.ParseRedisConfig(payload)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		master, slave := splitRedisShards(cfg.Shards)
		h, d, err := resolveHashDist(cfg.Basic.Hash, cfg.Basic.Distribution, master)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		codec := redis.RESP2{}
		ecfg := endpointCfg
		ecfg.Codec = codec
		ecfg.RequestTimeout = time.Duration(cfg.Basic.TimeoutMsMaster) * time.Millisecond
		ns, err := topology.BuildLayeredNamespace(addr.Service, ecfg, master, nil, slave, nil)
		return codec, ns, h, d, err

	case "phantom":
		cfg, err := discovery.ParsePhantomConfig(payload)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		master, slave := splitRedisShards(cfg.Shards)
		h, d, err := resolveHashDist(cfg.Basic.Hash, cfg.Basic.Distribution, master)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		codec := phantom.Phantom{MinKey: cfg.Basic.MinKey}
		ecfg := endpointCfg
		ecfg.Codec = codec
		ns, err := topology.BuildLayeredNamespace(addr.Service, ecfg, master, nil, slave, nil)
		return codec, ns, h, d, err

	case "kv":
		cfg, err := discovery.ParseKVConfig(payload)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		password := cfg.Basic.Password
		if privKey != nil && password != "" {
			password, err = discovery.DecryptPassword(privKey, password)
			if err != nil {
				return nil, nil, nil, nil, errors.Wrapf(err, "decrypting password for service %s", addr.Service)
			}
		}
		creds, err := kv.ParseCredentials(cfg.Basic.User, password, cfg.Basic.DBName)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		strategy, err := kv.NewStrategy(cfg.Basic.DBName, cfg.Basic.DBCount)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		codec := kv.NewCodec(strategy, creds)
		ecfg := endpointCfg
		ecfg.Codec = codec
		backends := flattenKVBackends(cfg.Backends)
		if len(backends) != cfg.Basic.DBCount {
			logrus.WithFields(logrus.Fields{
				"service":  addr.Service,
				"backends": len(backends),
				"dbCount":  cfg.Basic.DBCount,
			}).Warn("breezed: kv backend count does not match configured db_count, shard/db alignment may be wrong")
		}
		ns, err := topology.BuildDBShardedNamespace(addr.Service, ecfg, backends)
		return codec, ns, strategy.Hasher, strategy.Dist, err

	default:
		return nil, nil, nil, nil, errors.Errorf("unknown protocol %q", addr.Protocol)
	}
}

func resolveHashDist(hashName, distName string, allAddrs []string) (hash.Hasher, dist.Distributor, error) {
	h, err := hash.New(hashName)
	if err != nil {
		return nil, nil, err
	}
	d, err := dist.New(distName)
	if err != nil {
		return nil, nil, err
	}
	if k, ok := d.(*dist.Ketama); ok {
		k.Build(allAddrs)
	}
	return h, d, nil
}

func splitRedisShards(shards []discovery.RedisShard) (master, slave []string) {
	master = make([]string, len(shards))
	for i, s := range shards {
		master[i] = s.Master
	}
	hasSlave := false
	for _, s := range shards {
		if s.Slave != "" {
			hasSlave = true
			break
		}
	}
	if hasSlave {
		slave = make([]string, len(shards))
		for i, s := range shards {
			slave[i] = s.Slave
		}
	}
	return master, slave
}

// flattenKVBackends collects every configured backend address across all
// year-range keys, sorted by key so db index assignment is deterministic
// across restarts given an unchanged config.
func flattenKVBackends(backends map[string][]string) []string {
	keys := make([]string, 0, len(backends))
	for k := range backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, backends[k]...)
	}
	return out
}
