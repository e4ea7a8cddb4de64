// Package netpool loads the proxy and user-agent pools the discovery and
// fetch stages rotate through on every outbound request. Pools are static
// tables (one proxy per CSV row, one user agent per line), loaded once at
// startup and read-only thereafter, so sampling is concurrency-safe
// without locking.
package netpool

import (
	"encoding/csv"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Proxy is one proxy endpoint, scoped to the protocol(s) it serves.
type Proxy struct {
	Host      string // "ip:port"
	Protocols string // e.g. "http", "https", "http,https"
}

// URL returns the proxy as a net/url.URL suitable for http.ProxyURL,
// using the first scheme Protocols lists, or http when it lists none.
func (p Proxy) URL() (*url.URL, error) {
	scheme := "http"
	if first := strings.Split(p.Protocols, ",")[0]; first != "" {
		scheme = strings.TrimSpace(first)
	}
	return url.Parse(scheme + "://" + p.Host)
}

// ProxyPool is an immutable, concurrency-safe set of proxies to sample
// from. A nil or empty pool means "no proxy" — callers should treat
// Pick() returning ok=false as "dial direct".
type ProxyPool struct {
	proxies []Proxy
}

// LoadProxyPool reads a CSV with header "ip,port,protocols" and returns a
// pool sampling from its rows. An empty path yields an empty pool, not an
// error, since proxy rotation is optional.
func LoadProxyPool(path string) (*ProxyPool, error) {
	if path == "" {
		return &ProxyPool{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "netpool: open proxy file %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return &ProxyPool{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "netpool: read proxy header")
	}
	idx := columnIndex(header)

	var proxies []Proxy
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "netpool: read proxy row")
		}
		ip := valueAt(row, idx, "ip")
		port := valueAt(row, idx, "port")
		if ip == "" || port == "" {
			continue
		}
		proxies = append(proxies, Proxy{
			Host:      strings.TrimSpace(ip) + ":" + strings.TrimSpace(port),
			Protocols: valueAt(row, idx, "protocols"),
		})
	}
	return &ProxyPool{proxies: proxies}, nil
}

// Pick returns a uniformly random proxy from the pool, or ok=false if the
// pool is empty.
func (p *ProxyPool) Pick() (Proxy, bool) {
	if p == nil || len(p.proxies) == 0 {
		return Proxy{}, false
	}
	return p.proxies[rand.IntN(len(p.proxies))], true
}

// Len reports how many proxies the pool holds.
func (p *ProxyPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.proxies)
}

// UserAgentPool is an immutable, concurrency-safe set of user-agent
// strings to sample from.
type UserAgentPool struct {
	agents []string
}

// LoadUserAgentPool reads one user agent string per line (no header).
// An empty path yields an empty pool; Pick then returns ok=false and
// callers should fall back to a static default user agent.
func LoadUserAgentPool(path string) (*UserAgentPool, error) {
	if path == "" {
		return &UserAgentPool{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "netpool: open user agent file %s", path)
	}

	var agents []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			agents = append(agents, line)
		}
	}
	return &UserAgentPool{agents: agents}, nil
}

// Pick returns a uniformly random user agent string, or ok=false if the
// pool is empty.
func (p *UserAgentPool) Pick() (string, bool) {
	if p == nil || len(p.agents) == 0 {
		return "", false
	}
	return p.agents[rand.IntN(len(p.agents))], true
}

// Len reports how many user agents the pool holds.
func (p *UserAgentPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.agents)
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

func valueAt(row []string, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
