package smtpd

import (
	"context"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/abligh/go-daemon"
	"github.com/sirupsen/logrus"
)

// Control mediates the running of the main process
type Control struct {
	quit chan struct{}
	wg   sync.WaitGroup
}

// StartServer starts a single server.
//
// A parent context is given in which the listener runs, as well as a session context in which the sessions (connections) themselves run.
// This enables the sessions to be retained when the listener is cancelled on a SIGHUP
func StartServer(parentCtx context.Context, sessionParentCtx context.Context, sessionWaitGroup *sync.WaitGroup, logger *logrus.Logger, s ServerConfig) {
	ctx, cancelFunc := context.WithCancel(parentCtx)
	log := logger.WithField("server", s.Address)

	defer func() {
		cancelFunc()
		log.Info("stopping server")
	}()

	log.Info("starting server")

	l, err := NewListener(logger, s)
	if err != nil {
		log.WithError(err).Error("could not create listener")
		return
	}
	l.Listen(ctx, sessionParentCtx, sessionWaitGroup)
}

// RunConfig - this is effectively the main entry point of the program
//
// We parse the config, then start each of the listeners, restarting them when we get SIGHUP, but being sure not to kill the sessions
func RunConfig(control *Control) {
	// just until we read the configuration
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	var logCloser io.Closer
	var sessionWaitGroup sync.WaitGroup
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer func() {
		logger.Info("shutting down")
		cancelFunc()
		sessionWaitGroup.Wait()
		logger.Info("shutdown complete")
		if logCloser != nil {
			logCloser.Close()
		}
		control.wg.Done()
	}()

	intr := make(chan os.Signal, 1)
	term := make(chan os.Signal, 1)
	hup := make(chan os.Signal, 1)
	usr1 := make(chan os.Signal, 1)
	defer close(intr)
	defer close(term)
	defer close(hup)
	defer close(usr1)
	if !*foreground {
		signal.Notify(intr, os.Interrupt)
		signal.Notify(term, syscall.SIGTERM)
		signal.Notify(hup, syscall.SIGHUP)
	}

	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for {
			_, ok := <-usr1
			if !ok {
				return
			}
			logger.Info("running GC")
			runtime.GC()
			logger.Info("GC done")
			debug.FreeOSMemory()
			logger.Info("FreeOSMemory done")
		}
	}()

	for {
		var wg sync.WaitGroup
		configCtx, configCancelFunc := context.WithCancel(ctx)
		c, err := ParseConfig()
		if err != nil {
			logger.WithError(err).Error("cannot parse configuration file")
			return
		}

		if nlogger, nlogCloser, err := c.GetLogger(); err != nil {
			logger.WithError(err).Error("could not load logger")
		} else {
			if logCloser != nil {
				logCloser.Close()
			}
			logger = nlogger
			logCloser = nlogCloser
		}
		logger.Info("loaded configuration")
		for _, s := range c.Servers {
			s := s // localise loop variable
			wg.Add(1)
			go func() {
				defer wg.Done()
				StartServer(configCtx, ctx, &sessionWaitGroup, logger, s)
			}()
		}

		select {
		case <-ctx.Done():
			logger.Info("interrupted")
			return
		case <-intr:
			logger.Info("interrupt signal received")
			return
		case <-term:
			logger.Info("terminate signal received")
			return
		case <-control.quit:
			logger.Info("programmatic quit received")
			return
		case <-hup:
			logger.Info("reload signal received; reloading configuration which will be effective for new connections")
			configCancelFunc() // kill the listeners but not the sessions
			wg.Wait()
		}
	}
}

func Run(control *Control) {
	if control == nil {
		control = &Control{}
		// normally adding to a waitgroup inside the go-routine that
		// exits is racy, but nil is only ever passed in if we don't
		// care wat happens on quit
		control.wg.Add(1)
	}

	if *pprof {
		runtime.MemProfileRate = 1
		go http.ListenAndServe(":8080", nil)
	}

	// Just for this routine
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	daemon.AddFlag(daemon.StringFlag(sendSignal, "stop"), syscall.SIGTERM)
	daemon.AddFlag(daemon.StringFlag(sendSignal, "reload"), syscall.SIGHUP)

	if daemon.WasReborn() {
		if val := os.Getenv(ENV_CONFFILE); val != "" {
			*configFile = val
		}
		if val := os.Getenv(ENV_PIDFILE); val != "" {
			*pidFile = val
		}
	}

	var err error
	if *configFile, err = filepath.Abs(*configFile); err != nil {
		logger.WithError(err).Fatal("error canonicalising config file path")
	}
	if *pidFile, err = filepath.Abs(*pidFile); err != nil {
		logger.WithError(err).Fatal("error canonicalising pid file path")
	}

	// check the configuration parses. We do nothing with this at this stage
	// but it eliminates a problem where the log of the configuration failing
	// is invisible when daemonizing naively (e.g. when no alternate log
	// destination is supplied) and the config file cannot be read
	if _, err := ParseConfig(); err != nil {
		logger.WithError(err).Fatal("cannot parse configuration file")
	}

	if *foreground {
		RunConfig(control)
		return
	}

	os.Setenv(ENV_CONFFILE, *configFile)
	os.Setenv(ENV_PIDFILE, *pidFile)

	// Define daemon context
	d := &daemon.Context{
		PidFileName: *pidFile,
		PidFilePerm: 0644,
		Umask:       027,
	}

	// Send commands if needed
	if len(daemon.ActiveFlags()) > 0 {
		p, err := d.Search()
		if err != nil {
			logger.Fatal("unable to send signal to the daemon - not running")
		}
		if err := p.Signal(syscall.Signal(0)); err != nil {
			logger.Fatal("unable to send signal to the daemon - not running, perhaps PID file is stale")
		}
		daemon.SendCommands(p)
		return
	}

	if !daemon.WasReborn() {
		if p, err := d.Search(); err == nil {
			if err := p.Signal(syscall.Signal(0)); err == nil {
				logger.WithField("pid", p.Pid).Fatal("daemon is already running")
			} else {
				logger.WithField("pidfile", *pidFile).Info("removing stale PID file")
				os.Remove(*pidFile)
			}
		}
	}

	// Process daemon operations - send signal if present flag or daemonize
	child, err := d.Reborn()
	if err != nil {
		logger.WithError(err).Fatal("daemonize failed")
	}
	if child != nil {
		return
	}

	defer func() {
		d.Release()
	}()

	RunConfig(control)
}
