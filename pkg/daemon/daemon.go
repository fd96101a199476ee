package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
	"github.com/spmt-unicamp/spmtcal/pkg/journal"
)

// abortGrace bounds the wait for an active run to reach its safe state on
// shutdown.
const abortGrace = 30 * time.Second

var (
	confMu  = &sync.RWMutex{}
	conf    config.Config
	sources config.Sources

	hub        *events.EventHub
	runJournal *journal.Journal
	scheduler  *Scheduler

	// stopStreams is closed on shutdown to end open event streams.
	stopStreams chan struct{}
)

// Options configure the daemon.
type Options struct {
	Sources      config.Sources
	SocketPath   string
	AllowNonRoot bool
}

func currentConfig() config.Config {
	confMu.RLock()
	defer confMu.RUnlock()
	return conf
}

func setConfig(c config.Config) {
	confMu.Lock()
	conf = c
	confMu.Unlock()
}

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus)
	router.POST("/run", postRun)
	router.POST("/cancel", postCancel)
	router.GET("/runs", getRuns)
	router.GET("/runs/:id", getRun)
	router.GET("/events", getEvents)
	router.GET("/config", getConfig)
	router.GET("/schedule", getSchedule)
	router.PUT("/schedule", putSchedule)
	router.GET("/version", getVersion)

	return router
}

// startScheduler schedules runs with the current configuration.
func startScheduler(expr string) error {
	scheduler = NewScheduler(func() error {
		_, err := startRun(currentConfig())
		return err
	}, func(err error) {
		logrus.WithError(err).Error("scheduled calibration did not start")
	})
	if err := scheduler.Schedule(expr); err != nil {
		return err
	}
	scheduler.Start()
	return nil
}

func Run(opts Options) error {
	sources = opts.Sources
	c, err := config.Load(sources)
	if err != nil {
		return err
	}
	setConfig(c)
	logrus.WithFields(c.LogrusFields()).Info("config loaded")

	hub = events.NewEventHub()
	stopStreams = make(chan struct{})

	if c.Journal != "" {
		runJournal, err = journal.Open(c.Journal)
		if err != nil {
			return err
		}
		defer func() {
			if err := runJournal.Close(); err != nil {
				logrus.Errorf("failed to close journal: %v", err)
			}
		}()
	}

	if err := startScheduler(c.Schedule); err != nil {
		return err
	}
	defer scheduler.Stop()

	// Receive SIGHUP to reload config. The active run keeps its copy.
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			c, err := config.Load(sources)
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			setConfig(c)
			if err := scheduler.Schedule(c.Schedule); err != nil {
				logrus.Errorf("failed to apply schedule %q: %v", c.Schedule, err)
			}
			logrus.Infof("config reloaded")
		}
	}()

	router := setupRoutes()
	srv := &http.Server{
		Handler: router,
	}

	if err := os.Remove(opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	l, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return err
	}

	if opts.AllowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", opts.SocketPath)
		if err := os.Chmod(opts.SocketPath, 0777); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case err := <-serveErr:
		logrus.Errorf("http server failed: %v", err)
	}

	if err := cancelRun(); err == nil {
		logrus.Info("waiting for the active run to reach a safe state")
		if !waitRun(abortGrace) {
			logrus.Error("active run did not stop in time, channel voltages may not be zero")
		}
	}

	logrus.Info("shutting down http server")
	close(stopStreams)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}

	logrus.Info("exiting")
	return nil
}
