package graph

// ---------------------------------------------------------------------------
// Terminal Registry: known exchange hot wallets.
// Funding from an exchange wallet is treated as an origin: traversal stops there.
// ---------------------------------------------------------------------------

// defaultExchangeWallets maps known centralized exchange hot wallets.
var defaultExchangeWallets = map[string]string{
	// Binance
	"5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9": "binance",
	"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM": "binance",
	"2ojv9BAiHUrvsm9gxDe7fJSzbNZSJcxZvf8dqmWGHG8S": "binance",
	"3yFwqXBfZY4jBVUafQ1YEXw189y2dN3V5KQq9uzBDy1E": "binance",
	"HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH": "binance",

	// Coinbase
	"GJRs4FwHtemZ5ZE9x3FNvJ8TMwitKTh21yxdRPqn7npE": "coinbase",
	"H8sMJSCQxfKiFTCfDR3DUMLPwcRbM61LGFJ8N4dK3WjS": "coinbase",
	"2AQdpHJ2JpcEgPiATUXjQxA8QmafFegfQwSLWSprPicm": "coinbase",

	// Kraken
	"FWznbcNXWQuHTawe9RxvQ2LdCENssh12dsznf4RiouN5": "kraken",

	// OKX
	"5VCwKtCXgCJ6kit5FybXjvFnPXCrKoKwFqgq5YVe1rAS": "okx",
	"GBCxMjyaNya5cQk7rAFj6AeUQRYXs2NxaVyUgQsq87nS": "okx",

	// Bybit
	"AC5RDfQFmDS1deWZos921JfqscXdByf6BKHAbETSYnh7": "bybit",

	// Gate.io
	"u6PJ8DtQuPFnfmwHbGFULQ4u4EgjDiyYKjVEsynXq2w": "gateio",

	// KuCoin
	"BmFdpraQhkiDQE6SnfG5PVddTtR3GYBnCkEHAowHvPLJ": "kucoin",
}

// Registry is an immutable address → exchange lookup.
type Registry struct {
	wallets map[string]string
}

// NewRegistry copies wallets into a new registry.
func NewRegistry(wallets map[string]string) *Registry {
	m := make(map[string]string, len(wallets))
	for addr, exchange := range wallets {
		if addr != "" && exchange != "" {
			m[addr] = exchange
		}
	}
	return &Registry{wallets: m}
}

// DefaultRegistry returns a registry of the built-in exchange wallets.
func DefaultRegistry() *Registry {
	return NewRegistry(defaultExchangeWallets)
}

// With returns a copy of r extended with extra. Entries in extra win.
func (r *Registry) With(extra map[string]string) *Registry {
	m := make(map[string]string, len(r.wallets)+len(extra))
	for addr, exchange := range r.wallets {
		m[addr] = exchange
	}
	for addr, exchange := range extra {
		if addr != "" && exchange != "" {
			m[addr] = exchange
		}
	}
	return &Registry{wallets: m}
}

// Classify returns the exchange name owning address, if known.
func (r *Registry) Classify(address string) (string, bool) {
	exchange, ok := r.wallets[address]
	return exchange, ok
}

// IsExchange reports whether address is a known exchange wallet.
func (r *Registry) IsExchange(address string) bool {
	_, ok := r.wallets[address]
	return ok
}

// Len returns the number of known wallets.
func (r *Registry) Len() int {
	return len(r.wallets)
}

// IsTerminalEdge reports whether a transfer touches an exchange wallet and
// must not be traversed.
func (r *Registry) IsTerminalEdge(from, to string) bool {
	return r.IsExchange(from) || r.IsExchange(to)
}
