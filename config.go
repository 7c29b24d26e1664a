package luakv

// Config holds runtime configuration for the bridge. The buffer sizes
// bound how much data one boundary crossing can stage; they mirror the
// fixed linear memory the guest runtime is confined to.
type Config struct {
	ValueBufferSize int // staging buffer for one encoded key or value
	KeysBufferSize  int // staging buffer for one packed key enumeration
	RegistrySize    int // guest interpreter registry size
	CallStackSize   int // guest interpreter call stack depth

	RootGlobal   string // global name the root table is bound under
	LegacyGlobal string // secondary name aliasing the same root table
	LegacyAlias  bool   // bind LegacyGlobal on startup and after restore
}

// DefaultConfig returns the defaults: 64 KB value staging, 1 MB key
// staging, and root/legacy_root global names with the alias disabled.
func DefaultConfig() Config {
	return Config{
		ValueBufferSize: 64 * 1024,
		KeysBufferSize:  1024 * 1024,
		RegistrySize:    1024 * 20,
		CallStackSize:   256,
		RootGlobal:      "root",
		LegacyGlobal:    "legacy_root",
	}
}
