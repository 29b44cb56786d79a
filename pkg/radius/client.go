// Package radius mirrors call accounting records to RADIUS accounting servers.
package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// Client is a RADIUS accounting client
type Client struct {
	servers    []ServerConfig
	nasID      string
	logger     *zap.Logger
	timeout    time.Duration
	retries    int
	currentIdx int
	mu         sync.Mutex
}

// ServerConfig holds RADIUS server configuration
type ServerConfig struct {
	Host   string
	Port   int // accounting port, 1813 when zero
	Secret string
}

// ClientConfig holds RADIUS client configuration
type ClientConfig struct {
	Servers []ServerConfig
	NASID   string
	Timeout time.Duration
	Retries int
}

// AcctRequest holds accounting request parameters
type AcctRequest struct {
	SessionID   string // Acct-Session-Id
	CallID      string // reported as User-Name
	StatusType  AcctStatusType
	SessionTime uint32
	Class       []byte
	CalledID    string
	CallingID   string
}

// AcctStatusType represents RADIUS accounting status types
type AcctStatusType uint32

const (
	AcctStatusStart         AcctStatusType = 1
	AcctStatusStop          AcctStatusType = 2
	AcctStatusInterimUpdate AcctStatusType = 3
)

func (s AcctStatusType) String() string {
	switch s {
	case AcctStatusStart:
		return "Start"
	case AcctStatusStop:
		return "Stop"
	case AcctStatusInterimUpdate:
		return "Interim-Update"
	default:
		return strconv.Itoa(int(s))
	}
}

// ErrNoResponse is returned when every server attempt failed.
var ErrNoResponse = errors.New("no RADIUS accounting response")

// NewClient creates a new RADIUS client
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one RADIUS server required")
	}
	if cfg.NASID == "" {
		return nil, fmt.Errorf("NAS-Identifier required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = len(cfg.Servers)
	}

	return &Client{
		servers: cfg.Servers,
		nasID:   cfg.NASID,
		logger:  logger,
		timeout: timeout,
		retries: retries,
	}, nil
}

// SendAccounting sends an Accounting-Request, rotating to the next server
// after each failed attempt.
func (c *Client) SendAccounting(ctx context.Context, req *AcctRequest) error {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		server := c.getServer()
		err := c.send(ctx, server, req)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Debug("RADIUS accounting attempt failed",
			zap.String("server", server.Host),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
		c.nextServer()
	}
	return fmt.Errorf("%w: %w", ErrNoResponse, lastErr)
}

func (c *Client) send(ctx context.Context, server ServerConfig, req *AcctRequest) error {
	port := server.Port
	if port == 0 {
		port = 1813
	}

	packet := radius.New(radius.CodeAccountingRequest, []byte(server.Secret))

	rfc2866.AcctStatusType_Set(packet, rfc2866.AcctStatusType(req.StatusType))
	rfc2866.AcctSessionID_SetString(packet, req.SessionID)
	rfc2865.UserName_SetString(packet, req.CallID)
	rfc2865.NASIdentifier_SetString(packet, c.nasID)

	if req.CalledID != "" {
		rfc2865.CalledStationID_SetString(packet, req.CalledID)
	}
	if req.CallingID != "" {
		rfc2865.CallingStationID_SetString(packet, req.CallingID)
	}
	if req.Class != nil {
		rfc2865.Class_Set(packet, req.Class)
	}
	if req.StatusType != AcctStatusStart {
		rfc2866.AcctSessionTime_Set(packet, rfc2866.AcctSessionTime(req.SessionTime))
	}

	if err := addMessageAuthenticator(packet, []byte(server.Secret)); err != nil {
		return fmt.Errorf("failed to add message authenticator: %w", err)
	}

	addr := net.JoinHostPort(server.Host, strconv.Itoa(port))
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := radius.Exchange(reqCtx, packet, addr)
	if err != nil {
		return fmt.Errorf("RADIUS accounting failed: %w", err)
	}

	if response.Code != radius.CodeAccountingResponse {
		return fmt.Errorf("unexpected accounting response code: %d", response.Code)
	}

	c.logger.Debug("RADIUS accounting sent",
		zap.String("session_id", req.SessionID),
		zap.Stringer("status_type", req.StatusType),
	)

	return nil
}

// getServer returns the current RADIUS server
func (c *Client) getServer() ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[c.currentIdx]
}

// nextServer advances to the next RADIUS server
func (c *Client) nextServer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentIdx = (c.currentIdx + 1) % len(c.servers)
}

// addMessageAuthenticator adds RFC 2869 Message-Authenticator
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)
	rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16))

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)
	rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))

	return nil
}
