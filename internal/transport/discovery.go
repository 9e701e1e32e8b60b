package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultDiscoveryPort is the UDP port coordinators answer discovery on.
const DefaultDiscoveryPort = 50052

type discoveryRequest struct {
	Service string `json:"service"`
	Worker  string `json:"worker,omitempty"`
}

type discoveryReply struct {
	Service string `json:"service"`
	Addr    string `json:"addr"` // primary-channel host:port; empty host means "my source address"
}

// DiscoveryConfig controls a broadcast search for a coordinator.
type DiscoveryConfig struct {
	Service       string
	Worker        string
	BroadcastAddr string        // default 255.255.255.255:50052
	Interval      time.Duration // re-broadcast period, default 500ms
}

// Discover broadcasts for a coordinator serving cfg.Service until one answers
// or ctx is done. The first usable reply wins; replies for other services are ignored.
func Discover(ctx context.Context, cfg DiscoveryConfig) (string, error) {
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", DefaultDiscoveryPort)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}

	dst, err := net.ResolveUDPAddr("udp4", cfg.BroadcastAddr)
	if err != nil {
		return "", fmt.Errorf("invalid broadcast address: %w", err)
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	// Unblocks ReadFrom on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req, err := json.Marshal(discoveryRequest{Service: cfg.Service, Worker: cfg.Worker})
	if err != nil {
		return "", err
	}

	buf := make([]byte, 2048)
	for {
		if _, err := conn.WriteTo(req, dst); err != nil && ctx.Err() == nil {
			slog.Debug("Discovery broadcast failed", "component", "discovery", "error", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.Interval))

		for {
			n, src, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return "", fmt.Errorf("discovery read failed: %w", err)
			}
			if addr, ok := parseReply(buf[:n], src, cfg.Service); ok {
				return addr, nil
			}
		}
	}
}

func parseReply(data []byte, src net.Addr, service string) (string, bool) {
	var reply discoveryReply
	if err := json.Unmarshal(data, &reply); err != nil || reply.Service != service {
		return "", false
	}
	var fallback string
	if udp, ok := src.(*net.UDPAddr); ok {
		fallback = udp.IP.String()
	}
	addr, err := resolveAdvertised(reply.Addr, fallback)
	if err != nil {
		return "", false
	}
	return addr, true
}

// resolveAdvertised fills an empty or unspecified host with fallbackHost.
func resolveAdvertised(advertised, fallbackHost string) (string, error) {
	host, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return "", err
	}
	if port == "" || port == "0" {
		return "", fmt.Errorf("no port in %q", advertised)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if fallbackHost == "" {
			return "", fmt.Errorf("cannot resolve host of %q", advertised)
		}
		host = fallbackHost
	}
	return net.JoinHostPort(host, port), nil
}

// Responder answers discovery broadcasts for one service.
type Responder struct {
	conn      net.PacketConn
	service   string
	advertise string
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// ListenDiscovery binds a UDP responder on addr that advertises rpcAddr.
func ListenDiscovery(addr, service, rpcAddr string) (*Responder, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for discovery on %s: %w", addr, err)
	}
	r := &Responder{
		conn:      conn,
		service:   service,
		advertise: rpcAddr,
		logger:    slog.With("component", "discovery", "service", service),
	}
	r.wg.Add(1)
	go r.serve()
	return r, nil
}

// Addr is the bound UDP address.
func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *Responder) serve() {
	defer r.wg.Done()

	reply, _ := json.Marshal(discoveryReply{Service: r.service, Addr: r.advertise})
	buf := make([]byte, 2048)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var req discoveryRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil || req.Service != r.service {
			continue
		}
		if _, err := r.conn.WriteTo(reply, src); err != nil {
			r.logger.Warn("Failed to answer discovery", "worker", req.Worker, "error", err)
			continue
		}
		r.logger.Debug("Answered discovery", "worker", req.Worker, "from", src.String())
	}
}

// Close stops the responder.
func (r *Responder) Close() error {
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
