// Package viperconfig serves per-message-type cache policies from viper.
//
// Policies live under a key prefix (default "mediator.cache"), one section per
// message type name:
//
//	mediator:
//	  cache:
//	    GetOrder:
//	      absolute: 30s
//	    ListProducts:
//	      sliding: 5m
//	    GetPrices:
//	      enabled: false
//
// Section names match the message type name, ignoring case (viper keys are
// case-insensitive). Types sharing a name across packages can be told apart
// by nesting the section under the package name; that section wins over the
// bare one:
//
//	mediator:
//	  cache:
//	    orders:
//	      GetOrder:
//	        absolute: 1m
//
// Durations accept anything spf13/cast understands ("30s", 1500000000).
package viperconfig

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/trickstertwo/xmediator"
)

const DefaultPrefix = "mediator.cache"

// Provider implements xmediator.ConfigProvider.
type Provider struct {
	v      *viper.Viper
	prefix string

	mu       sync.RWMutex
	policies map[string]policy // lowercased "pkg.type" or "type"; nil until first lookup
}

type policy struct {
	cfg     xmediator.CacheItemConfig
	enabled bool
}

var _ xmediator.ConfigProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithPrefix reads policies under prefix instead of DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(p *Provider) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// New wraps an already configured viper instance.
func New(v *viper.Viper, opts ...Option) *Provider {
	p := &Provider{v: v, prefix: DefaultPrefix}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// Load reads the config file at path. Environment variables prefixed with
// envPrefix override file values (MEDIATOR_CACHE_GETORDER_ABSOLUTE=1m).
func Load(path, envPrefix string, opts ...Option) (*Provider, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("viperconfig: read %s: %w", path, err)
	}
	return New(v, opts...), nil
}

// Watch reloads policies whenever the config file changes.
func (p *Provider) Watch() {
	p.v.OnConfigChange(func(fsnotify.Event) { p.Reload() })
	p.v.WatchConfig()
}

// Reload drops parsed policies; the next lookup re-reads viper.
func (p *Provider) Reload() {
	p.mu.Lock()
	p.policies = nil
	p.mu.Unlock()
}

// CacheConfig returns the policy configured for msgType, if any.
func (p *Provider) CacheConfig(msgType reflect.Type) (xmediator.CacheItemConfig, bool) {
	if msgType == nil {
		return xmediator.CacheItemConfig{}, false
	}
	for msgType.Kind() == reflect.Pointer {
		msgType = msgType.Elem()
	}
	pols := p.load()
	pol, ok := pols[strings.ToLower(msgType.String())]
	if !ok {
		pol, ok = pols[strings.ToLower(msgType.Name())]
	}
	if !ok || !pol.enabled {
		return xmediator.CacheItemConfig{}, false
	}
	return pol.cfg, true
}

func (p *Provider) load() map[string]policy {
	p.mu.RLock()
	pols := p.policies
	p.mu.RUnlock()
	if pols != nil {
		return pols
	}

	pols = make(map[string]policy)
	for name, raw := range p.v.GetStringMap(p.prefix) {
		sec := cast.ToStringMap(raw)
		if !isPackageSection(sec) {
			pols[strings.ToLower(name)] = parsePolicy(sec)
			continue
		}
		for typ, raw := range sec {
			pols[strings.ToLower(name+"."+typ)] = parsePolicy(cast.ToStringMap(raw))
		}
	}

	p.mu.Lock()
	p.policies = pols
	p.mu.Unlock()
	return pols
}

func parsePolicy(sec map[string]any) policy {
	pol := policy{enabled: true}
	if v, ok := sec["enabled"]; ok {
		pol.enabled = cast.ToBool(v)
	}
	if d, err := cast.ToDurationE(sec["absolute"]); err == nil {
		pol.cfg.AbsoluteExpiration = d
	}
	if d, err := cast.ToDurationE(sec["sliding"]); err == nil {
		pol.cfg.SlidingExpiration = d
	}
	return pol
}

// isPackageSection reports whether sec groups type sections rather than
// holding policy values itself.
func isPackageSection(sec map[string]any) bool {
	for _, v := range sec {
		if _, ok := v.(map[string]any); ok {
			return true
		}
	}
	return false
}
