// Package persist implements spec §4.9/§6's state-persistence layer:
// one plain-text record per runtime under <state-dir>/runtimes/<name>.state,
// written atomically, replayed in name order on daemon startup, plus a
// directory-watch-based peer discovery mechanism for @group backend
// resolution across daemons sharing convention (SPEC_FULL "Directory-
// based peer discovery").
package persist

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// record is the flat, string-keyed shape of the persisted file (spec §6
// "one key per line, keys sorted"); runtime.Config's richer Go types
// (durations, *TLSConfig, []string) are flattened to it on Encode and
// reconstructed on Decode.
type record struct {
	Name       string `mapstructure:"name"`
	Kind       string `mapstructure:"kind"`
	WasRunning bool   `mapstructure:"was_running"`

	Port   int    `mapstructure:"port"`
	Target string `mapstructure:"target"`
	UDP    bool   `mapstructure:"udp"`

	TLS      bool   `mapstructure:"tls"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
	CAPath   string `mapstructure:"ca_path"`

	ScriptPath string `mapstructure:"script_path"`
	Mode       string `mapstructure:"mode"`
	Handler    string `mapstructure:"handler"`
	StaticDir  string `mapstructure:"static_dir"`

	Backends string `mapstructure:"backends"`
	Strategy string `mapstructure:"strategy"`

	Protocol        string `mapstructure:"protocol"`
	PersistentPath  string `mapstructure:"persistent_path"`
	MaxMemory       int64  `mapstructure:"max_memory"`
	Eviction        string `mapstructure:"eviction"`
	ReplicateTarget string `mapstructure:"replicate_target"`

	MaxConnections  int `mapstructure:"max_connections"`
	RateLimit       int `mapstructure:"rate_limit"`
	GlobalRateLimit int `mapstructure:"global_rate_limit"`
	IdleTimeout     int `mapstructure:"idle_timeout"` // seconds

	Group      string `mapstructure:"group"`
	BinaryPath string `mapstructure:"binary_path"`
	Pid        int    `mapstructure:"pid"`
	Managed    bool   `mapstructure:"managed"`
}

// toRecord flattens a runtime.Config into the persisted shape.
func toRecord(cfg runtime.Config) record {
	r := record{
		Name: cfg.Name, Kind: string(cfg.Kind), WasRunning: cfg.WasRunning,
		Port: cfg.Port, Target: cfg.Target, UDP: cfg.UDP,
		ScriptPath: cfg.ScriptPath, Mode: string(cfg.ServerMode),
		Handler: cfg.Handler, StaticDir: cfg.StaticDir,
		Strategy: string(cfg.Strategy),
		Protocol: cfg.Protocol, PersistentPath: cfg.PersistentPath,
		MaxMemory: cfg.MaxMemory, Eviction: string(cfg.Eviction),
		ReplicateTarget: cfg.ReplicateTarget,
		MaxConnections:  cfg.MaxConnections, RateLimit: cfg.RateLimit,
		GlobalRateLimit: cfg.GlobalRateLimit,
		IdleTimeout:     int(cfg.IdleTimeout.Seconds()),
		Group:           cfg.Group, BinaryPath: cfg.BinaryPath,
		Pid: cfg.Pid, Managed: cfg.Managed,
	}
	if cfg.Kind == runtime.KindCache {
		r.Mode = string(cfg.CacheMode)
	}
	if cfg.TLS != nil {
		r.TLS = true
		r.CertPath = cfg.TLS.CertPath
		r.KeyPath = cfg.TLS.KeyPath
		r.CAPath = cfg.TLS.CAPath
	}
	if len(cfg.Backends) > 0 {
		r.Backends = strings.Join(cfg.Backends, ",")
	}
	return r
}

// toConfig reconstructs a runtime.Config from a decoded record.
func (r record) toConfig() runtime.Config {
	cfg := runtime.Config{
		Name: r.Name, Kind: runtime.Kind(r.Kind), WasRunning: r.WasRunning,
		Port: r.Port, Target: r.Target, UDP: r.UDP,
		ScriptPath: r.ScriptPath, Handler: r.Handler, StaticDir: r.StaticDir,
		Strategy:        runtime.ProxyStrategy(r.Strategy),
		Protocol:        r.Protocol,
		PersistentPath:  r.PersistentPath,
		MaxMemory:       r.MaxMemory,
		Eviction:        runtime.Eviction(r.Eviction),
		ReplicateTarget: r.ReplicateTarget,
		MaxConnections:  r.MaxConnections,
		RateLimit:       r.RateLimit,
		GlobalRateLimit: r.GlobalRateLimit,
		IdleTimeout:     time.Duration(r.IdleTimeout) * time.Second,
		Group:           r.Group,
		BinaryPath:      r.BinaryPath,
		Pid:             r.Pid,
		Managed:         r.Managed,
	}
	if cfg.Kind == runtime.KindCache {
		cfg.CacheMode = runtime.CacheAccessMode(r.Mode)
	} else {
		cfg.ServerMode = runtime.ServerMode(r.Mode)
	}
	if r.TLS {
		cfg.TLS = &runtime.TLSConfig{CertPath: r.CertPath, KeyPath: r.KeyPath, CAPath: r.CAPath}
	}
	if r.Backends != "" {
		cfg.Backends = strings.Split(r.Backends, ",")
	}
	cfg.Normalize()
	return cfg
}

// Encode renders cfg as the sorted `key value` text lines of spec §6.
// Zero-valued optional fields are omitted; name/kind/was_running are
// always present (spec §6 "required").
func Encode(cfg runtime.Config) []byte {
	r := toRecord(cfg)
	fields := map[string]string{
		"name": r.Name, "kind": r.Kind, "was_running": boolStr(r.WasRunning),
	}
	optional := map[string]string{
		"port":               intStrNonZero(r.Port),
		"target":             r.Target,
		"udp":                boolStrTrue(r.UDP),
		"tls":                boolStrTrue(r.TLS),
		"cert_path":          r.CertPath,
		"key_path":           r.KeyPath,
		"ca_path":            r.CAPath,
		"script_path":        r.ScriptPath,
		"mode":               r.Mode,
		"handler":            r.Handler,
		"static_dir":         r.StaticDir,
		"backends":           r.Backends,
		"strategy":           r.Strategy,
		"protocol":           r.Protocol,
		"persistent_path":    r.PersistentPath,
		"max_memory":         int64StrNonZero(r.MaxMemory),
		"eviction":           r.Eviction,
		"max_connections":    intStrNonZero(r.MaxConnections),
		"rate_limit":         intStrNonZero(r.RateLimit),
		"global_rate_limit":  intStrNonZero(r.GlobalRateLimit),
		"idle_timeout":       intStrNonZero(r.IdleTimeout),
		"group":              r.Group,
		"replicate_target":   r.ReplicateTarget,
		"binary_path":        r.BinaryPath,
		"pid":                intStrNonZero(r.Pid),
		"managed":            boolStrTrue(r.Managed),
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s %s\n", k, fields[k])
	}
	return buf.Bytes()
}

// Decode parses a persisted record back into a runtime.Config (spec §6).
func Decode(data []byte) (runtime.Config, error) {
	kv := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		kv[parts[0]] = parts[1]
	}
	if err := sc.Err(); err != nil {
		return runtime.Config{}, xerr.Wrap(xerr.CodeFatal, "persist: scan", err)
	}
	return FromKV(kv)
}

// FromKV decodes a flat string-keyed map into a runtime.Config via
// mapstructure, the same way viper itself decodes a parsed document
// into a struct (spec's [AMBIENT] Configuration). Shared by Decode
// (persisted-file key/value pairs) and the control plane's `create`/
// `edit` verbs (line-protocol `key=value` flags).
func FromKV(kv map[string]string) (runtime.Config, error) {
	raw := make(map[string]interface{}, len(kv))
	for k, v := range kv {
		raw[k] = v
	}

	var r record
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &r,
	})
	if err != nil {
		return runtime.Config{}, xerr.Wrap(xerr.CodeFatal, "persist: decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return runtime.Config{}, xerr.Wrap(xerr.CodeBadInput, "persist: decode record", err)
	}
	if r.Name == "" || r.Kind == "" {
		return runtime.Config{}, xerr.New(xerr.CodeBadInput, "persist: record missing name/kind")
	}

	return r.toConfig(), nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func boolStrTrue(b bool) string {
	if b {
		return "true"
	}
	return ""
}

func intStrNonZero(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func int64StrNonZero(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}
