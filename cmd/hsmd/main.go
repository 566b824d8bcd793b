package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/hsmgate/internal/common"
	"example.com/hsmgate/internal/hsm"
	"example.com/hsmgate/internal/server"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type uploadConfig struct {
	ManifestLimitBytes int `yaml:"manifestLimitBytes"`
	ChunkBytes         int `yaml:"chunkBytes"`
	ReadBufferBytes    int `yaml:"readBufferBytes"`
	MaxUploadMB        int `yaml:"maxUploadMB"`
	ResultWaitSeconds  int `yaml:"resultWaitSeconds"`
}

type deviceConfig struct {
	Root           string `yaml:"root"`
	FragmentBytes  int    `yaml:"fragmentBytes"`
	AllowDowngrade bool   `yaml:"allowDowngrade"`
	FailAfterPulls int    `yaml:"failAfterPulls"`
	FailCode       string `yaml:"failCode"`
}

type config struct {
	Port       int          `yaml:"port"`
	GatewayID  string       `yaml:"gatewayId"`
	StorageDir string       `yaml:"storageDir"`
	CodeTable  string       `yaml:"codeTable"`
	Upload     uploadConfig `yaml:"upload"`
	Device     deviceConfig `yaml:"device"`
	Logs       logConfig    `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(".", "data")
	}
	cfg.CodeTable = resolvePath(cfg.CodeTable)
	if cfg.Upload.ManifestLimitBytes <= 0 {
		cfg.Upload.ManifestLimitBytes = 4096
	}
	if cfg.Upload.ChunkBytes <= 0 {
		cfg.Upload.ChunkBytes = 1024
	}
	if cfg.Upload.ReadBufferBytes <= 0 {
		cfg.Upload.ReadBufferBytes = 4096
	}
	if cfg.Upload.MaxUploadMB <= 0 {
		cfg.Upload.MaxUploadMB = 512
	}
	if cfg.Upload.ResultWaitSeconds <= 0 {
		cfg.Upload.ResultWaitSeconds = 30
	}
	if cfg.Device.Root == "" {
		cfg.Device.Root = filepath.Join(cfg.StorageDir, "device")
	} else {
		cfg.Device.Root = resolvePath(cfg.Device.Root)
	}
	if cfg.Device.FragmentBytes <= 0 {
		cfg.Device.FragmentBytes = hsm.DefaultFragmentSize
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

func setupLogging(cfg config) error {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile := filepath.Join(cfg.Logs.Directory, "hsmd.log")
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	sink := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(sink)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	common.SetLogOutput(sink)
	return nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	addr := flag.String("addr", "", "listen address (overrides config port)")
	readHeaderTimeout := flag.Duration("read-header-timeout", 10*time.Second, "HTTP header read timeout")
	idleTimeout := flag.Duration("idle-timeout", 120*time.Second, "HTTP idle connection timeout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		log.Fatalf("storage dir: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	if cfg.CodeTable != "" {
		if err := hsm.LoadCodeTable(cfg.CodeTable); err != nil {
			log.Fatalf("code table: %v", err)
		}
	}
	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}

	var failCode hsm.Code
	if cfg.Device.FailCode != "" {
		failCode, err = hsm.ParseCode(cfg.Device.FailCode)
		if err != nil {
			log.Fatalf("device failCode: %v", err)
		}
	}
	device, err := hsm.NewSimulator(hsm.SimulatorOptions{
		Root:           cfg.Device.Root,
		FragmentSize:   cfg.Device.FragmentBytes,
		AllowDowngrade: cfg.Device.AllowDowngrade,
		FailAfterPulls: cfg.Device.FailAfterPulls,
		FailCode:       failCode,
	})
	if err != nil {
		log.Fatalf("device init: %v", err)
	}

	srv, err := server.NewServer(server.Options{
		StorageDir:      cfg.StorageDir,
		Updater:         device,
		ManifestLimit:   cfg.Upload.ManifestLimitBytes,
		ChunkSize:       cfg.Upload.ChunkBytes,
		ReadBufferBytes: cfg.Upload.ReadBufferBytes,
		MaxUploadBytes:  int64(cfg.Upload.MaxUploadMB) << 20,
		ResultWait:      time.Duration(cfg.Upload.ResultWaitSeconds) * time.Second,
		GatewayID:       cfg.GatewayID,
	})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	// No ReadTimeout or WriteTimeout: an upload is paced by the device pull
	// side and may legitimately hold its request open for minutes.
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           server.NewRouter(srv),
		ReadHeaderTimeout: *readHeaderTimeout,
		IdleTimeout:       *idleTimeout,
	}

	log.Printf("hsmd listening on %s", listenAddr)
	log.Printf("gateway %s, device store %s, journal %s", srv.GatewayID(), cfg.Device.Root, srv.JournalPath())
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("hsmd stopped")
}
