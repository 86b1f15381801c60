package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/nerrad567/bumper-core/internal/api"
	"github.com/nerrad567/bumper-core/internal/auth"
	"github.com/nerrad567/bumper-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/bumper-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/bumper-core/internal/mqttserver"
	"github.com/nerrad567/bumper-core/internal/webadmin"
	"github.com/nerrad567/bumper-core/internal/xmppserver"
)

// bindListeners builds and binds every listener in a fixed order: conf,
// MQTT, XMPP, added listeners, then the admin listener in debug mode. The
// helper bot is built once the MQTT address is known. On failure every
// listener bound so far is closed.
func (s *Server) bindListeners(ctx context.Context, r *run) error {
	bind := func(l Listener) error {
		if err := l.Listen(ctx); err != nil {
			s.logger.Error("binding listener", "listener", l.Name(), "error", err)
			return fmt.Errorf("binding %s listener: %w", l.Name(), err)
		}
		r.listeners = append(r.listeners, l)
		return nil
	}

	helperSecret, err := auth.GenerateToken()
	if err != nil {
		return fmt.Errorf("generating helper bot secret: %w", err)
	}

	conf, err := s.newConf(r)
	if err != nil {
		return err
	}
	if err := bind(conf); err != nil {
		return err
	}

	mqttTLS, err := s.cfg.MQTT.TLS.ServerTLS()
	if err != nil {
		return fmt.Errorf("mqtt listener: %w", err)
	}
	mqttSrv, err := mqttserver.New(mqttserver.Deps{
		Addr:            s.cfg.MQTTAddr(),
		TLS:             mqttTLS,
		Registry:        r.registry,
		Logger:          s.logger,
		Events:          r.bus,
		HelperBotSecret: helperSecret,
	})
	if err != nil {
		return fmt.Errorf("creating mqtt listener: %w", err)
	}
	if err := bind(mqttSrv); err != nil {
		return err
	}

	xmppTLS, err := s.cfg.XMPP.TLS.ServerTLS()
	if err != nil {
		return fmt.Errorf("xmpp listener: %w", err)
	}
	xmppSrv, err := xmppserver.New(xmppserver.Deps{
		Addr:     s.cfg.XMPPAddr(),
		TLS:      xmppTLS,
		Registry: r.registry,
		Logger:   s.logger,
		Events:   r.bus,
		Domain:   s.cfg.XMPP.Domain,
	})
	if err != nil {
		return fmt.Errorf("creating xmpp listener: %w", err)
	}
	if err := bind(xmppSrv); err != nil {
		return err
	}

	for _, l := range s.extra {
		if err := bind(l); err != nil {
			return err
		}
	}

	if s.cfg.HelperBot.Enabled {
		r.helperBot = mqtt.New(mqtt.Options{
			Broker:          loopback(mqttSrv.Addr()),
			TLS:             mqttTLS != nil,
			Password:        helperSecret,
			HelperBotConfig: s.cfg.HelperBot,
		})
		r.helperBot.SetLogger(s.logger.With("component", "helperbot"))
	}

	if s.cfg.Server.Debug {
		admin, err := s.newAdmin(r)
		if err != nil {
			return err
		}
		if err := bind(admin); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) newConf(r *run) (*api.Server, error) {
	tlsCfg, err := s.cfg.Conf.TLS.ServerTLS()
	if err != nil {
		return nil, fmt.Errorf("conf listener: %w", err)
	}

	conf, err := api.New(api.Deps{
		Addr:         s.cfg.ConfAddr(),
		TLS:          tlsCfg,
		Logger:       s.logger,
		Registry:     r.registry,
		Version:      s.version,
		ReadTimeout:  s.cfg.GetReadTimeout(),
		WriteTimeout: s.cfg.GetWriteTimeout(),
		IdleTimeout:  s.cfg.GetIdleTimeout(),
		Clock:        s.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conf listener: %w", err)
	}
	return conf, nil
}

func (s *Server) newAdmin(r *run) (*webadmin.Server, error) {
	deps := webadmin.Deps{
		Addr:      s.cfg.AdminAddr(),
		Logger:    s.logger,
		Registry:  r.registry,
		Version:   s.version,
		Events:    r.bus,
		JWTSecret: s.cfg.Admin.JWTSecret,
		WebSocket: s.cfg.Admin.WebSocket,
	}
	// A nil *mqtt.Client must not become a non-nil interface.
	if r.helperBot != nil {
		deps.HelperBot = r.helperBot
	}
	if deps.JWTSecret == "" {
		s.logger.Warn("admin listener running without authentication")
	}

	admin, err := webadmin.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating admin listener: %w", err)
	}
	return admin, nil
}

// connectInflux attaches the optional recorder. Failure is logged and the
// server runs without it.
func (s *Server) connectInflux(ctx context.Context, r *run) {
	client, err := influxdb.Connect(ctx, s.cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		return
	}
	if err != nil {
		s.logger.Warn("InfluxDB unavailable, connection events will not be recorded", "url", s.cfg.InfluxDB.URL, "error", err)
		return
	}

	client.SetOnError(func(err error) {
		s.logger.Error("InfluxDB write error", "error", err)
	})
	r.influx = client
	s.logger.Info("InfluxDB connected",
		"url", s.cfg.InfluxDB.URL,
		"org", s.cfg.InfluxDB.Org,
		"bucket", s.cfg.InfluxDB.Bucket,
	)
}

// loopback turns a bound address into one the helper bot can dial:
// wildcard hosts become the loopback address of the same family.
func loopback(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	ip := tcp.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
		if tcp.IP != nil && tcp.IP.To4() == nil {
			ip = net.IPv6loopback
		}
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(tcp.Port))
}
