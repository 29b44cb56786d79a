package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/diameter"
)

// ACRSender exchanges one ACR/ACA pair with a peer.
type ACRSender interface {
	SendACR(ctx context.Context, peer string, acr *diameter.ACR) (*diameter.ACA, error)
}

// PeerResolver returns candidate peers for a realm, best first.
type PeerResolver interface {
	Peers(ctx context.Context, realm string) []string
}

// PeerBlacklist excludes recently failed peers.
type PeerBlacklist interface {
	Add(peer string)
	Allowed(peer string) bool
}

// PeerObserver is notified of per-peer outcomes. Optional.
type PeerObserver interface {
	RecordPeerLatency(peer string, latency time.Duration)
	RecordPeerBlacklisted(peer string)
}

// RfConfig configures the Rf dispatcher.
type RfConfig struct {
	BillingRealm string // default Destination-Realm
	FallbackPeer string // used when nothing else is available
	MaxPeers     int
}

// DefaultRfConfig returns the Rf dispatcher defaults.
func DefaultRfConfig() RfConfig {
	return RfConfig{
		BillingRealm: "dest-realm.unknown",
		MaxPeers:     2,
	}
}

// Rf sends ACRs over Diameter with peer failover.
type Rf struct {
	config    RfConfig
	sender    ACRSender
	resolver  PeerResolver
	blacklist PeerBlacklist
	observer  PeerObserver
	logger    *zap.Logger
}

// NewRf creates an Rf dispatcher. resolver and observer may be nil.
func NewRf(config RfConfig, sender ACRSender, resolver PeerResolver, blacklist PeerBlacklist, observer PeerObserver, logger *zap.Logger) *Rf {
	if config.MaxPeers <= 0 {
		config.MaxPeers = DefaultRfConfig().MaxPeers
	}
	if config.BillingRealm == "" {
		config.BillingRealm = DefaultRfConfig().BillingRealm
	}
	return &Rf{
		config:    config,
		sender:    sender,
		resolver:  resolver,
		blacklist: blacklist,
		observer:  observer,
		logger:    logger,
	}
}

// Send tries candidate peers in order until one answers.
//
// A 2xxx Result-Code is Sent and 5xxx is Fatal. Protocol (3xxx) and
// transient (4xxx) codes move on to the next peer, as do transport
// failures, which also blacklist the peer.
func (d *Rf) Send(ctx context.Context, ev *Event) (Result, error) {
	realm := ev.Realm
	if realm == "" {
		realm = d.config.BillingRealm
	}
	candidates := d.candidates(ctx, ev.Peers, realm)
	if len(candidates) == 0 {
		return Retryable, errors.New("no Diameter peer available")
	}

	acr := &diameter.ACR{
		SessionID:        ev.SessionID,
		RecordType:       uint32(ev.RecordType),
		RecordNumber:     ev.RecordNumber,
		DestinationRealm: realm,
		InterimInterval:  ev.InterimInterval,
		Event:            ev.AVPs,
	}

	var lastErr error
	for _, peer := range candidates {
		acr.DestinationHost = hostOf(peer)
		aca, err := d.sender.SendACR(ctx, peer, acr)
		if err != nil {
			lastErr = err
			d.logger.Warn("ACR delivery failed",
				zap.String("call_id", ev.CallID),
				zap.String("trail_id", ev.TrailID),
				zap.String("peer", peer),
				zap.Error(err))
			d.blacklistPeer(peer)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if d.observer != nil {
			d.observer.RecordPeerLatency(peer, aca.Latency)
		}

		switch class := aca.ResultCode / 1000; class {
		case 2:
			d.logger.Debug("ACR accepted",
				zap.String("call_id", ev.CallID),
				zap.String("peer", peer),
				zap.Uint32("record_number", ev.RecordNumber),
				zap.Uint32("result_code", aca.ResultCode))
			return Sent, nil
		case 5:
			return Fatal, fmt.Errorf("peer %s rejected record with Result-Code %d", peer, aca.ResultCode)
		default:
			lastErr = fmt.Errorf("peer %s answered Result-Code %d", peer, aca.ResultCode)
			d.logger.Info("ACR not accepted, trying next peer",
				zap.String("call_id", ev.CallID),
				zap.String("peer", peer),
				zap.Uint32("result_code", aca.ResultCode))
		}
	}
	return Retryable, lastErr
}

// candidates merges the requested CCFs, realm peers and fallback peer,
// dropping duplicates and blacklisted peers, up to MaxPeers.
func (d *Rf) candidates(ctx context.Context, preferred []string, realm string) []string {
	var all []string
	all = append(all, preferred...)
	if d.resolver != nil {
		all = append(all, d.resolver.Peers(ctx, realm)...)
	}
	if d.config.FallbackPeer != "" {
		all = append(all, d.config.FallbackPeer)
	}

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, d.config.MaxPeers)
	for _, p := range all {
		p = withPort(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		if d.blacklist != nil && !d.blacklist.Allowed(p) {
			continue
		}
		out = append(out, p)
		if len(out) == d.config.MaxPeers {
			break
		}
	}
	return out
}

func (d *Rf) blacklistPeer(peer string) {
	if d.blacklist == nil {
		return
	}
	d.blacklist.Add(peer)
	if d.observer != nil {
		d.observer.RecordPeerBlacklisted(peer)
	}
}

// withPort adds the default Diameter port to a bare host.
func withPort(peer string) string {
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, "3868")
}

func hostOf(peer string) string {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}
