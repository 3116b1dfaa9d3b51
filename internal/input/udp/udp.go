// Package udp receives datagrams and writes each one to the durable queue as
// an envelope.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"spool/internal/config"
	"spool/internal/logger"
	apperrors "spool/pkg/errors"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/ratelimit"
)

type EnvelopeWriter interface {
	Write(ctx context.Context, envs ...*models.Envelope) error
}

// HostnameCache returns a cached reverse lookup or "" without blocking.
type HostnameCache interface {
	Hostname(addr string) string
}

type Input struct {
	cfg      config.UDPInputConfig
	nodeID   string
	writer   EnvelopeWriter
	hostname HostnameCache
	logger   logger.Logger

	conn    net.PacketConn
	limiter *ratelimit.Keyed
	dropLog rate.Sometimes
}

func New(cfg config.UDPInputConfig, nodeID string, writer EnvelopeWriter, hostname HostnameCache, log logger.Logger) *Input {
	in := &Input{
		cfg:      cfg,
		nodeID:   nodeID,
		writer:   writer,
		hostname: hostname,
		logger:   log.Named("udp_input"),
		dropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if cfg.RateLimit.RPS > 0 {
		in.limiter = ratelimit.NewKeyed(ratelimit.Config{
			RPS:    cfg.RateLimit.RPS,
			Burst:  cfg.RateLimit.Burst,
			MaxAge: cfg.RateLimit.MaxAge,
		})
	}
	return in
}

func (in *Input) ID() string {
	return in.cfg.ID
}

// Listen binds the socket. Run must follow.
func (in *Input) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	addr := net.JoinHostPort(in.cfg.Bind, strconv.Itoa(in.cfg.Port))
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("input %s: failed to listen on %s: %w", in.cfg.ID, addr, err)
	}
	in.conn = conn
	in.logger.Infow("UDP input listening",
		"input_id", in.cfg.ID,
		"addr", conn.LocalAddr().String(),
		"codec", in.cfg.Codec,
	)
	return nil
}

func (in *Input) Addr() net.Addr {
	if in.conn == nil {
		return nil
	}
	return in.conn.LocalAddr()
}

// Run reads datagrams until ctx is done.
func (in *Input) Run(ctx context.Context) error {
	if in.conn == nil {
		return fmt.Errorf("input %s: not listening", in.cfg.ID)
	}

	go func() {
		<-ctx.Done()
		_ = in.conn.Close()
	}()

	size := in.cfg.MaxPacketBytes
	if size <= 0 {
		size = 65535
	}
	buf := make([]byte, size)

	for {
		n, remote, err := in.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			in.logger.Warnw("UDP read failed",
				"input_id", in.cfg.ID,
				"error", err,
			)
			continue
		}

		if in.limiter != nil && !in.limiter.Allow(remoteIP(remote)) {
			metrics.IncInputPacket(in.cfg.ID, "rate_limited")
			continue
		}

		env := in.envelope(append([]byte(nil), buf[:n]...), remote)
		if err := in.writer.Write(ctx, env); err != nil {
			metrics.IncInputPacket(in.cfg.ID, "dropped")
			in.dropLog.Do(func() {
				in.logger.Errorw("Dropping datagram, durable queue not accepting writes",
					"input_id", in.cfg.ID,
					"code", apperrors.CodeOf(err),
					"error", err,
				)
			})
			continue
		}
		metrics.IncInputPacket(in.cfg.ID, "accepted")
	}
}

func (in *Input) envelope(payload []byte, remote net.Addr) *models.Envelope {
	b := models.NewEnvelopeBuilder().
		WithPayload(payload).
		WithCodec(in.cfg.Codec).
		WithInput(in.cfg.ID).
		WithNode(in.nodeID)

	if udpAddr, ok := remote.(*net.UDPAddr); ok {
		ip := udpAddr.IP.String()
		b = b.WithRemote(ip, udpAddr.Port)
		if in.hostname != nil {
			if host := in.hostname.Hostname(ip); host != "" {
				b = b.WithHostname(host)
			}
		}
	}
	return b.Build()
}

func remoteIP(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	return addr.String()
}
