package progress

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/config"
)

// SubjectPrefix namespaces every progress subject. The full pattern is
// stockcouncil.analysis.{analysis_id}.{kind}.
const SubjectPrefix = "stockcouncil.analysis."

const embeddedStartTimeout = 5 * time.Second

// Bridge publishes bus events onto NATS so external consumers can
// follow runs without holding an engine connection. With Embedded set
// it also runs an in-process server, used in development and tests.
type Bridge struct {
	nc  *nats.Conn
	srv *natsserver.Server
}

var _ Forwarder = (*Bridge)(nil)

// NewBridge connects to NATS, starting an embedded server first when
// the configuration asks for one.
func NewBridge(cfg config.NATSConfig) (*Bridge, error) {
	b := &Bridge{}
	url := cfg.URL

	if cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1, // random port
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(embeddedStartTimeout) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded NATS server did not start within %s", embeddedStartTimeout)
		}
		b.srv = srv
		url = srv.ClientURL()
	}

	nc, err := nats.Connect(
		url,
		nats.Name("stockcouncil-progress"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		if b.srv != nil {
			b.srv.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc

	log.Info().
		Str("url", url).
		Bool("embedded", cfg.Embedded).
		Msg("progress bridge connected")
	return b, nil
}

// Subject returns the NATS subject for one analysis and event kind.
func Subject(analysisID, kind string) string {
	return fmt.Sprintf("%s%s.%s", SubjectPrefix, analysisID, kind)
}

// Forward publishes the event. Progress streaming must never stall a
// run, so failures are logged and swallowed.
func (b *Bridge) Forward(evt Event) {
	if b == nil || b.nc == nil || !b.nc.IsConnected() {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		log.Warn().Err(err).Str("kind", evt.Kind).Msg("failed to marshal progress event")
		return
	}
	if err := b.nc.Publish(Subject(evt.AnalysisID, evt.Kind), data); err != nil {
		log.Warn().Err(err).Str("kind", evt.Kind).Msg("failed to publish progress event")
	}
}

// ClientURL returns the URL clients should connect to; useful when the
// server is embedded on a random port.
func (b *Bridge) ClientURL() string {
	if b.srv != nil {
		return b.srv.ClientURL()
	}
	if b.nc != nil {
		return b.nc.ConnectedUrl()
	}
	return ""
}

// Close drains the connection and stops the embedded server if one is
// running.
func (b *Bridge) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
	}
	log.Info().Msg("progress bridge closed")
}
