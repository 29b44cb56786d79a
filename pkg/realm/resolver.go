// Package realm resolves Diameter peers for a billing realm and tracks
// peers that recently failed.
package realm

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"
)

const minCacheTTL = 10 * time.Second

// Config configures a Resolver.
type Config struct {
	Server  string        // DNS server host:port
	Timeout time.Duration // per query
	Service string        // SRV service label, "_diameter._tcp"
}

// DefaultConfig returns resolver defaults.
func DefaultConfig() Config {
	return Config{
		Server:  "127.0.0.1:53",
		Timeout: 2 * time.Second,
		Service: "_diameter._tcp",
	}
}

// Peer is one SRV target.
type Peer struct {
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Addr returns host:port.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

type cacheEntry struct {
	peers   []Peer
	expires time.Time
}

// Resolver looks up SRV records for a realm and caches them for their TTL.
type Resolver struct {
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver creates a resolver.
func NewResolver(config Config, logger *zap.Logger) (*Resolver, error) {
	if config.Server == "" {
		return nil, fmt.Errorf("DNS server is required")
	}
	if _, _, err := net.SplitHostPort(config.Server); err != nil {
		return nil, fmt.Errorf("invalid DNS server %q: %w", config.Server, err)
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Service == "" {
		config.Service = DefaultConfig().Service
	}
	return &Resolver{
		config: config,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// Peers returns host:port targets for realm ordered by priority, then weight.
// Resolution failures yield an empty list.
func (r *Resolver) Peers(ctx context.Context, realm string) []string {
	peers, err := r.Lookup(ctx, realm)
	if err != nil {
		r.logger.Debug("Realm resolution failed", zap.String("realm", realm), zap.Error(err))
		return nil
	}
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.Addr()
	}
	return out
}

// Lookup returns the SRV targets for realm.
func (r *Resolver) Lookup(ctx context.Context, realm string) ([]Peer, error) {
	name := r.config.Service + "." + strings.TrimSuffix(realm, ".") + "."

	r.mu.Lock()
	if e, ok := r.cache[name]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.peers, nil
	}
	r.mu.Unlock()

	peers, ttl, err := r.query(ctx, name)
	if err != nil {
		return nil, err
	}
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}

	r.mu.Lock()
	r.cache[name] = cacheEntry{peers: peers, expires: time.Now().Add(ttl)}
	r.mu.Unlock()
	return peers, nil
}

func (r *Resolver) query(ctx context.Context, name string) ([]Peer, time.Duration, error) {
	qname, err := dnsmessage.NewName(name)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid name %q: %w", name, err)
	}

	id := uint16(rand.Intn(1 << 16))
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               id,
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{
			{
				Name:  qname,
				Type:  dnsmessage.TypeSRV,
				Class: dnsmessage.ClassINET,
			},
		},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("pack DNS message: %w", err)
	}

	var d net.Dialer
	qctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	conn, err := d.DialContext(qctx, "udp", r.config.Server)
	if err != nil {
		return nil, 0, fmt.Errorf("connect to %s: %w", r.config.Server, err)
	}
	defer conn.Close()
	if deadline, ok := qctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(packed); err != nil {
		return nil, 0, fmt.Errorf("send query: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	var resp dnsmessage.Message
	if err := resp.Unpack(buf[:n]); err != nil {
		return nil, 0, fmt.Errorf("unpack response: %w", err)
	}
	if resp.Header.ID != id {
		return nil, 0, fmt.Errorf("response id %d does not match query %d", resp.Header.ID, id)
	}
	if resp.Header.RCode != dnsmessage.RCodeSuccess {
		return nil, 0, fmt.Errorf("lookup %s: %s", name, resp.Header.RCode)
	}

	return parseSRV(resp.Answers)
}

func parseSRV(answers []dnsmessage.Resource) ([]Peer, time.Duration, error) {
	var (
		peers []Peer
		ttl   uint32
	)
	for _, ans := range answers {
		srv, ok := ans.Body.(*dnsmessage.SRVResource)
		if !ok {
			continue
		}
		if ttl == 0 || ans.Header.TTL < ttl {
			ttl = ans.Header.TTL
		}
		peers = append(peers, Peer{
			Host:     strings.TrimSuffix(srv.Target.String(), "."),
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	sortPeers(peers)
	return peers, time.Duration(ttl) * time.Second, nil
}

// sortPeers orders by ascending priority, then descending weight.
func sortPeers(peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].Priority != peers[j].Priority {
			return peers[i].Priority < peers[j].Priority
		}
		return peers[i].Weight > peers[j].Weight
	})
}
