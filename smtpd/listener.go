package smtpd

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/abligh/goms/engine"
	"github.com/abligh/goms/engine/sample"
)

// Listener accepts connections for one ServerConfig and runs each
// through engine.RunSession, applying a per-remote-address connection
// rate limit to each accepted connection.
type Listener struct {
	logger    *logrus.Logger
	cfg       ServerConfig
	engineCfg engine.Config
	handler   engine.Handler
	limiter   *ConnRateLimit
}

// NewListener validates s and builds a Listener ready to run.
func NewListener(logger *logrus.Logger, s ServerConfig) (*Listener, error) {
	engineCfg, err := s.EngineConfig()
	if err != nil {
		return nil, err
	}

	maildir := s.Maildir
	if maildir == "" {
		maildir = "/var/spool/goms/mail"
	}
	handler, err := sample.NewMaildirHandler(maildir)
	if err != nil {
		return nil, fmt.Errorf("smtpd: building sample handler: %w", err)
	}

	limiter := &ConnRateLimit{
		WindowSecs: s.RateLimitWindowSecs,
		MaxConns:   s.RateLimitMaxConns,
	}
	limiter.Init()

	return &Listener{
		logger:    logger,
		cfg:       s,
		engineCfg: engineCfg,
		handler:   handler,
		limiter:   limiter,
	}, nil
}

// Listen accepts connections until ctx is cancelled (e.g. by SIGHUP,
// which cancels only the listener's context, not sessionCtx) and runs
// each accepted connection's session under sessionCtx in its own
// goroutine tracked by sessionWaitGroup, so in-flight mail
// transactions survive a listener restart.
func (l *Listener) Listen(ctx context.Context, sessionCtx context.Context, sessionWaitGroup *sync.WaitGroup) {
	ln, err := net.Listen(l.cfg.Protocol, l.cfg.Address)
	if err != nil {
		l.logger.WithError(err).WithField("address", l.cfg.Address).Error("listen failed")
		return
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.logger.WithError(err).Warn("accept failed")
				return
			}
		}

		log := l.logger.WithField("remote", conn.RemoteAddr().String())
		remoteHost := conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(remoteHost); err == nil {
			remoteHost = host
		}
		if !l.limiter.Allow(log, remoteHost) {
			conn.Close()
			continue
		}

		sessionWaitGroup.Add(1)
		go func() {
			defer sessionWaitGroup.Done()
			defer conn.Close()
			l.serve(sessionCtx, conn, log)
		}()
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn, log *logrus.Entry) {
	log.Info("connection accepted")
	sess := engine.NewSession(conn, l.handler, l.engineCfg, log)
	if err := sess.RunSession(ctx, ctx.Done()); err != nil {
		log.WithError(err).Info("session ended with error")
		return
	}
	log.Info("session ended")
}
