package registry

import "sync"

// CredentialSource reports whether a provider has credentials.
//
//go:generate mockgen -package=registry_test -destination=mock_credential_source_test.go -source=credentials.go CredentialSource
type CredentialSource interface {
	Configured(name string) bool
}

// StaticCredentials is a fixed name -> configured mapping.
type StaticCredentials map[string]bool

func (s StaticCredentials) Configured(name string) bool { return s[name] }

type lazyCredentials struct {
	get func() map[string]bool
}

// LazyCredentials resolves the mapping on first use and keeps it for the
// life of the process.
func LazyCredentials(load func() map[string]bool) CredentialSource {
	return &lazyCredentials{get: sync.OnceValue(load)}
}

func (l *lazyCredentials) Configured(name string) bool { return l.get()[name] }

// selfConfigured is implemented by adapters that know whether they hold a key.
type selfConfigured interface {
	Configured() bool
}
