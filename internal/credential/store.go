// Package credential implements the credential store contract: round-robin
// access to API keys configured per provider via environment variables,
// per spec §6/§8. No key is ever logged.
package credential

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Credential is an opaque bearer of provider auth material. Its String
// method is deliberately redacted so a stray %v in a log statement never
// leaks a key.
type Credential struct {
	Provider string
	value    string
}

// Value returns the raw secret. Callers should pass this directly to the
// provider adapter and never format it into a log line.
func (c Credential) Value() string { return c.value }

func (c Credential) String() string {
	if c.value == "" {
		return fmt.Sprintf("Credential{provider=%s, <empty>}", c.Provider)
	}
	return fmt.Sprintf("Credential{provider=%s, <redacted>}", c.Provider)
}

// Store is the credential store contract: Get(provider) -> credential,
// round-robin across keys configured for that provider.
type Store interface {
	Get(provider string) (Credential, bool)
}

type providerKeys struct {
	keys []string
	next uint64
}

// EnvStore loads credentials from environment variables named
// `<PROVIDER>_API_KEY`, `<PROVIDER>_API_KEY_2`, … (consecutively numbered
// starting at _2; a gap in numbering terminates the scan). Provider names
// are upper-cased and any `-` replaced with `_` to form the prefix, so
// provider "claude-code" reads CLAUDE_CODE_API_KEY.
type EnvStore struct {
	mu        sync.Mutex
	providers map[string]*providerKeys
	lookup    func(string) (string, bool)
}

// NewEnvStore constructs an EnvStore backed by os.LookupEnv.
func NewEnvStore() *EnvStore {
	return &EnvStore{providers: make(map[string]*providerKeys), lookup: os.LookupEnv}
}

// newEnvStoreWithLookup is used by tests to avoid mutating the real
// process environment.
func newEnvStoreWithLookup(lookup func(string) (string, bool)) *EnvStore {
	return &EnvStore{providers: make(map[string]*providerKeys), lookup: lookup}
}

func envPrefix(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

func (s *EnvStore) load(provider string) *providerKeys {
	prefix := envPrefix(provider)
	var keys []string
	if v, ok := s.lookup(prefix + "_API_KEY"); ok && v != "" {
		keys = append(keys, v)
	} else {
		return &providerKeys{}
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s_API_KEY_%d", prefix, i)
		v, ok := s.lookup(name)
		if !ok || v == "" {
			break
		}
		keys = append(keys, v)
	}
	return &providerKeys{keys: keys}
}

// Get returns the next credential for provider in round-robin order. It
// returns false if no key is configured.
func (s *EnvStore) Get(provider string) (Credential, bool) {
	s.mu.Lock()
	pk, ok := s.providers[provider]
	if !ok {
		pk = s.load(provider)
		s.providers[provider] = pk
	}
	s.mu.Unlock()

	if len(pk.keys) == 0 {
		return Credential{}, false
	}

	idx := atomic.AddUint64(&pk.next, 1) - 1
	key := pk.keys[idx%uint64(len(pk.keys))]
	return Credential{Provider: provider, value: key}, true
}

// Refresh forces provider's key list to be re-read from the environment,
// useful after a config/credential rotation.
func (s *EnvStore) Refresh(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider] = s.load(provider)
}
