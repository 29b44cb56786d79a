// Package diameter is the Rf client stack: it maintains connections to CDF
// peers and exchanges Accounting-Request / Accounting-Answer pairs.
package diameter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/fiorix/go-diameter/v4/diam/dict"
	"github.com/fiorix/go-diameter/v4/diam/sm"
	"go.uber.org/zap"
)

// AccountingApplicationID is the Diameter base accounting application used by Rf.
const AccountingApplicationID = 3

var (
	// ErrConnect is returned when a peer cannot be connected.
	ErrConnect = errors.New("diameter peer connect failed")

	// ErrTimeout is returned when no answer arrives in time.
	ErrTimeout = errors.New("diameter answer timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("diameter stack closed")
)

// Config configures the stack.
type Config struct {
	OriginHost       string
	OriginRealm      string
	VendorID         uint32
	ProductName      string
	Timeout          time.Duration // ACA wait
	WatchdogInterval time.Duration
}

// DefaultConfig returns stack defaults.
func DefaultConfig() Config {
	return Config{
		OriginHost:       "rfgw.local",
		OriginRealm:      "local",
		ProductName:      "rfgw",
		Timeout:          5 * time.Second,
		WatchdogInterval: 30 * time.Second,
	}
}

// ACR is an Accounting-Request to send.
type ACR struct {
	SessionID        string
	RecordType       uint32
	RecordNumber     uint32
	DestinationRealm string
	DestinationHost  string
	InterimInterval  uint32
	Event            json.RawMessage
}

// ACA is the answer to an ACR.
type ACA struct {
	ResultCode uint32
	OriginHost string
	Latency    time.Duration
}

// Stack owns the Diameter state machine and per-peer connections.
type Stack struct {
	config     Config
	logger     *zap.Logger
	mux        *sm.StateMachine
	client     *sm.Client
	translator *Translator
	capture    *Capture

	hopByHop uint32

	mu      sync.Mutex
	conns   map[string]diam.Conn
	pending map[uint32]chan *diam.Message
	closed  bool
}

// NewStack creates a stack. capture may be nil.
func NewStack(config Config, capture *Capture, logger *zap.Logger) (*Stack, error) {
	if config.OriginHost == "" || config.OriginRealm == "" {
		return nil, fmt.Errorf("origin host and realm are required")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.ProductName == "" {
		config.ProductName = DefaultConfig().ProductName
	}

	settings := &sm.Settings{
		OriginHost:       datatype.DiameterIdentity(config.OriginHost),
		OriginRealm:      datatype.DiameterIdentity(config.OriginRealm),
		VendorID:         datatype.Unsigned32(config.VendorID),
		ProductName:      datatype.UTF8String(config.ProductName),
		FirmwareRevision: 1,
	}

	s := &Stack{
		config:     config,
		logger:     logger,
		mux:        sm.New(settings),
		translator: NewTranslator(dict.Default, AccountingApplicationID, logger),
		capture:    capture,
		hopByHop:   uint32(time.Now().UnixNano()),
		conns:      make(map[string]diam.Conn),
		pending:    make(map[uint32]chan *diam.Message),
	}

	s.client = &sm.Client{
		Dict:               dict.Default,
		Handler:            s.mux,
		MaxRetransmits:     1,
		RetransmitInterval: config.Timeout,
		EnableWatchdog:     config.WatchdogInterval > 0,
		WatchdogInterval:   config.WatchdogInterval,
		AcctApplicationID: []*diam.AVP{
			diam.NewAVP(avp.AcctApplicationID, avp.Mbit, 0, datatype.Unsigned32(AccountingApplicationID)),
		},
	}

	s.mux.HandleFunc("ACA", s.handleACA)
	go s.logErrors()

	return s, nil
}

// SendACR sends acr to peer (host:port) and waits for the matching ACA.
func (s *Stack) SendACR(ctx context.Context, peer string, acr *ACR) (*ACA, error) {
	conn, err := s.conn(ctx, peer)
	if err != nil {
		return nil, err
	}

	m, err := s.buildACR(acr)
	if err != nil {
		return nil, err
	}
	hbh := atomic.AddUint32(&s.hopByHop, 1)
	m.Header.HopByHopID = hbh

	ch := make(chan *diam.Message, 1)
	s.mu.Lock()
	s.pending[hbh] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, hbh)
		s.mu.Unlock()
	}()

	start := time.Now()
	if _, err := m.WriteTo(conn); err != nil {
		s.dropConn(peer, conn)
		return nil, fmt.Errorf("%w: write ACR to %s: %w", ErrConnect, peer, err)
	}
	s.tap(conn, m, true)

	timer := time.NewTimer(s.config.Timeout)
	defer timer.Stop()

	select {
	case ans := <-ch:
		return parseACA(ans, time.Since(start))
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, peer, s.config.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes every peer connection.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for peer, c := range s.conns {
		c.Close()
		delete(s.conns, peer)
	}
	return nil
}

// Peers returns the peers with an open connection.
func (s *Stack) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	return out
}

func (s *Stack) conn(ctx context.Context, peer string) (diam.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := s.conns[peer]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	type dialResult struct {
		conn diam.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		c, err := s.client.DialNetwork("tcp", peer)
		done <- dialResult{c, err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, peer, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, peer, res.err)
	}

	s.mu.Lock()
	if existing, ok := s.conns[peer]; ok {
		s.mu.Unlock()
		res.conn.Close()
		return existing, nil
	}
	s.conns[peer] = res.conn
	s.mu.Unlock()

	s.logger.Info("Connected to Diameter peer", zap.String("peer", peer))

	if cn, ok := res.conn.(diam.CloseNotifier); ok {
		go func() {
			<-cn.CloseNotify()
			s.logger.Info("Diameter peer disconnected", zap.String("peer", peer))
			s.dropConn(peer, res.conn)
		}()
	}
	return res.conn, nil
}

func (s *Stack) dropConn(peer string, c diam.Conn) {
	s.mu.Lock()
	if cur, ok := s.conns[peer]; ok && cur == c {
		delete(s.conns, peer)
	}
	s.mu.Unlock()
	c.Close()
}

func (s *Stack) handleACA(c diam.Conn, m *diam.Message) {
	s.tap(c, m, false)

	s.mu.Lock()
	ch, ok := s.pending[m.Header.HopByHopID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("Discarding unmatched ACA", zap.Uint32("hop_by_hop", m.Header.HopByHopID))
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (s *Stack) logErrors() {
	for report := range s.mux.ErrorReports() {
		s.logger.Warn("Diameter error", zap.Error(report.Error))
	}
}

func (s *Stack) tap(c diam.Conn, m *diam.Message, outbound bool) {
	if s.capture == nil {
		return
	}
	data, err := m.Serialize()
	if err != nil {
		return
	}
	src, dst := c.LocalAddr(), c.RemoteAddr()
	if !outbound {
		src, dst = dst, src
	}
	if err := s.capture.Write(src, dst, data); err != nil {
		s.logger.Debug("Capture write failed", zap.Error(err))
	}
}

func parseACA(m *diam.Message, latency time.Duration) (*ACA, error) {
	rc, err := m.FindAVP(avp.ResultCode, 0)
	if err != nil {
		return nil, fmt.Errorf("ACA without Result-Code: %w", err)
	}
	code, ok := rc.Data.(datatype.Unsigned32)
	if !ok {
		return nil, fmt.Errorf("unexpected Result-Code type %T", rc.Data)
	}
	aca := &ACA{ResultCode: uint32(code), Latency: latency}
	if oh, err := m.FindAVP(avp.OriginHost, 0); err == nil {
		if id, ok := oh.Data.(datatype.DiameterIdentity); ok {
			aca.OriginHost = string(id)
		}
	}
	return aca, nil
}
