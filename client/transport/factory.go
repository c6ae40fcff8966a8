package transport

import (
	"net"

	"github.com/quantarax/realtime/client/config"
	"github.com/quantarax/realtime/internal/observability"
	"github.com/quantarax/realtime/internal/quicutil"
)

// ProbeQUIC reports whether this host can open a UDP socket at all. It is
// meant to run once at startup.
func ProbeQUIC() bool {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return false
	}
	_ = pc.Close()
	return true
}

// Factory builds fresh transports. NewQUIC is nil when QUIC is unavailable
// or disabled.
type Factory struct {
	NewQUIC      func() Transport
	NewWebSocket func() Transport
}

// QUICAvailable reports whether the factory can build a QUIC transport.
func (f Factory) QUICAvailable() bool { return f.NewQUIC != nil }

// NewFactory probes QUIC once and returns constructors bound to cfg.
func NewFactory(cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) Factory {
	if log == nil {
		log = observability.Nop()
	}

	f := Factory{
		NewWebSocket: func() Transport {
			return NewWebSocketTransport(WebSocketOptions{
				Endpoint:       cfg.WebSocketEndpoint,
				QueueCapacity:  cfg.QueueCapacity,
				MaxSendRetries: cfg.MaxSendRetries,
				DedupWindow:    cfg.DedupWindow,
				DedupCapacity:  cfg.DedupCapacity,
				DedupByContent: cfg.DedupByContent,
				Logger:         log,
				Metrics:        metrics,
			})
		},
	}

	if !cfg.QUICEnabled() {
		return f
	}
	if !ProbeQUIC() {
		log.Warn("udp unavailable, quic disabled")
		return f
	}

	tlsConf := quicutil.MakeClientTLSConfig(cfg.InsecureSkipVerify, cfg.ALPN)
	f.NewQUIC = func() Transport {
		return NewQuicTransport(QUICOptions{
			Endpoint:          cfg.QUICEndpoint,
			TLSConfig:         tlsConf,
			HealthInterval:    cfg.HealthInterval,
			InactivityTimeout: cfg.InactivityTimeout,
			Logger:            log,
			Metrics:           metrics,
		})
	}
	return f
}
