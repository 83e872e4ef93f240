package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pushchat/auth"
	"pushchat/config"
	"pushchat/db"
	"pushchat/delivery"
	"pushchat/presence"
	"pushchat/push"
	"pushchat/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	database, err := db.New(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()

	authenticator, err := auth.New([]byte(cfg.JWTSecret), time.Duration(cfg.TokenTTL)*time.Hour)
	if err != nil {
		logger.Fatal("Failed to initialize authenticator", zap.Error(err))
	}

	var notifier delivery.Notifier
	if cfg.PushEnabled() {
		transport := push.NewWebPush(push.WebPushConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubscriber,
		})
		notifier = push.NewDispatcher(database, transport, push.Options{
			Timeout:     time.Duration(cfg.PushTimeout) * time.Second,
			Concurrency: cfg.PushConcurrency,
		}, logger.Named("push"))
	} else {
		logger.Warn("VAPID keys not configured, push notifications disabled")
	}

	registry := presence.NewRegistry()
	router := delivery.NewRouter(database, registry, notifier, delivery.Options{
		StoreTimeout:     time.Duration(cfg.StoreTimeout) * time.Second,
		PreviewLength:    cfg.PreviewLength,
		MaxContentLength: cfg.MaxContentLength,
		PushIcon:         cfg.PushIcon,
	}, logger.Named("delivery"))

	srvConfig := &server.ServerConfig{
		Port:           cfg.Port,
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		StoreTimeout:   time.Duration(cfg.StoreTimeout) * time.Second,
		StaticDir:      cfg.StaticDir,
		CORSOrigins:    cfg.CORSOrigins,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
	}

	srv := server.New(database, authenticator, registry, router, srvConfig, logger.Named("server"))

	ctl := &controller{srv: srv, socketPath: cfg.ControlSocketPath, logger: logger, done: make(chan struct{})}

	// Start control socket for management commands
	go ctl.listen()

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		ctl.shutdown("maintenance")
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	<-ctl.done
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

type controller struct {
	srv        *server.Server
	socketPath string
	logger     *zap.Logger

	once sync.Once
	done chan struct{}
}

func (c *controller) shutdown(reason string) {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.srv.Shutdown(ctx, reason); err != nil {
			c.logger.Error("Shutdown error", zap.Error(err))
		}
		os.Remove(c.socketPath)
		close(c.done)
	})
}

func (c *controller) listen() {
	// Remove existing socket file
	os.Remove(c.socketPath)

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		c.logger.Error("Failed to create control socket", zap.String("path", c.socketPath), zap.Error(err))
		return
	}
	defer listener.Close()

	c.logger.Info("Control socket listening", zap.String("path", c.socketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				continue
			}
		}

		go c.handleCommand(conn)
	}
}

func (c *controller) handleCommand(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + c.srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		c.logger.Info("Shutdown requested", zap.String("reason", reason))
		c.shutdown(reason)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
