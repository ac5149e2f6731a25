package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"foldersync/pkg/chunkstore"
	"foldersync/pkg/config"
	"foldersync/pkg/folder"
	"foldersync/pkg/metastore"
	"foldersync/pkg/pathutil"
	"foldersync/pkg/secret"
	"foldersync/pkg/statecollector"
	"foldersync/pkg/transport"
	"foldersync/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultBlockCacheSize = "16MB"

// router dispatches an inbound transport session to the FolderGroup its
// hello frame named, and is also where serveCommand keeps every group
// alive for the periodic status panel and graceful shutdown.
type router struct {
	mu      sync.RWMutex
	groups  map[folder.FolderId]*folder.FolderGroup
	names   map[folder.FolderId]string
	logger  *zap.Logger
}

func newRouter(logger *zap.Logger) *router {
	return &router{
		groups: make(map[folder.FolderId]*folder.FolderGroup),
		names:  make(map[folder.FolderId]string),
		logger: logger,
	}
}

func (r *router) register(id folder.FolderId, name string, g *folder.FolderGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[id] = g
	r.names[id] = name
}

func (r *router) onSession(folderID folder.FolderId, digest []byte, endpoint string, session *transport.Session) {
	r.mu.RLock()
	g, ok := r.groups[folderID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("rejecting session for unknown folder",
			zap.String("folder_id", folderID.String()),
			zap.String("endpoint", endpoint))
		session.Close()
		return
	}
	if !g.Attach(session) {
		r.logger.Warn("rejecting duplicate session",
			zap.String("folder_id", folderID.String()),
			zap.String("endpoint", endpoint))
		session.Close()
	}
}

func (r *router) closeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, g := range r.groups {
		r.logger.Info("closing folder", zap.String("folder_id", id.String()), zap.String("name", r.names[id]))
		g.Close()
	}
}

func serveCommand() *cobra.Command {
	var (
		tlsCert        string
		tlsKey         string
		tlsCA          string
		blockCacheSize string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run folderd, serving every folder in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadServeConfig()
			if err != nil {
				return err
			}

			tlsConfig, err := buildTLSConfig(tlsCert, tlsKey, tlsCA)
			if err != nil {
				return fmt.Errorf("build TLS config: %w", err)
			}

			cacheBytes := utils.ParseDataSizeWithDefault(blockCacheSize, 16*utils.MegaByte)
			cacheBlocks := int(cacheBytes / folder.DefaultBlockSize)
			if cacheBlocks < 1 {
				cacheBlocks = 1
			}

			r := newRouter(logger)
			var closers []func() error

			for _, fc := range cfg.Folders {
				g, closeFolder, err := startFolder(cfg, fc, cacheBlocks, r, logger)
				if err != nil {
					return fmt.Errorf("start folder %q: %w", fc.Name, err)
				}
				closers = append(closers, closeFolder)
				dialPeers(g, fc, tlsConfig, logger)
			}

			srv := transport.NewServer(tlsConfig, logger, r.onSession)
			lis, err := net.Listen("tcp", cfg.ListenAddress)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(lis) }()

			logger.Info("folderd started",
				zap.String("listen_address", cfg.ListenAddress),
				zap.Int("folders", len(cfg.Folders)))

			stopStatus := make(chan struct{})
			go runStatusPanel(r, logger, stopStatus)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case <-sigChan:
				logger.Info("shutting down folderd")
			case err := <-serveErr:
				if err != nil {
					logger.Error("transport server stopped", zap.Error(err))
				}
			}

			close(stopStatus)
			srv.GracefulStop()
			r.closeAll()
			for _, closeFn := range closers {
				if err := closeFn(); err != nil {
					logger.Warn("error closing folder storage", zap.Error(err))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate for the transport listener and dial-outs")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS private key matching --tls-cert")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "CA certificate trusted for peer verification")
	cmd.Flags().StringVar(&blockCacheSize, "block-cache-size", defaultBlockCacheSize, "in-memory block cache size per folder, e.g. 16MB, 512KiB")

	return cmd
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func loadServeConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfig(configFile)
	}
	return config.LoadFromEnv(), nil
}

func buildTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if caPath != "" {
		pool, err := loadCAPool(caPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.RootCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func startFolder(cfg *config.Config, fc config.FolderConfig, cacheBlocks int, r *router, logger *zap.Logger) (*folder.FolderGroup, func() error, error) {
	sec, err := secret.Parse(fc.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("parse secret: %w", err)
	}
	folderID := sec.Hash()

	folderDataDir := filepath.Join(cfg.DataDir, "folders", folderID.String())
	systemPath := fc.SystemPath
	if systemPath == "" {
		systemPath = filepath.Join(folderDataDir, "system")
	}

	metaPath := filepath.Join(folderDataDir, "meta.db")
	chunkDir := filepath.Join(folderDataDir, "chunks")

	if err := os.MkdirAll(folderDataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create folder data directory: %w", err)
	}

	metaStore, err := metastore.Open(metaPath, folderID)
	if err != nil {
		return nil, nil, fmt.Errorf("open metastore: %w", err)
	}
	chunkStore, err := chunkstore.Open(chunkDir, cacheBlocks)
	if err != nil {
		metaStore.Close()
		return nil, nil, fmt.Errorf("open chunkstore: %w", err)
	}

	collector := statecollector.New()
	deps := folder.Deps{
		PathNormalizer: pathutil.Normalizer{Root: fc.RootPath},
		IgnoreList:     pathutil.IgnoreList{},
		MetaStorage:    metaStore,
		ChunkStorage:   chunkStore,
		StateCollector: collector,
	}
	params := folder.FolderParams{
		RootPath:   fc.RootPath,
		SystemPath: systemPath,
		Secret:     sec,
	}

	g, err := folder.New(params, deps, folder.DefaultConfig(), logger.Named(fc.Name))
	if err != nil {
		metaStore.Close()
		return nil, nil, err
	}

	r.register(folderID, fc.Name, g)
	logger.Info("folder started",
		zap.String("name", fc.Name),
		zap.String("folder_id", folderID.String()),
		zap.String("root_path", fc.RootPath))

	return g, metaStore.Close, nil
}

// dialPeers connects to every statically configured peer for fc in its own
// goroutine, retrying with exponential backoff on failure, and attaches
// each successful session to g.
func dialPeers(g *folder.FolderGroup, fc config.FolderConfig, tlsConfig *tls.Config, logger *zap.Logger) {
	folderID := g.FolderId()
	for _, addr := range fc.Peers {
		addr := addr
		go func() {
			baseDelay := time.Second
			maxDelay := 5 * time.Minute
			attempt := 0
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				conn, session, err := transport.Dial(ctx, addr, folderID, tlsConfig, fc.Name, logger)
				cancel()
				if err != nil {
					attempt++
					delay := baseDelay * time.Duration(1<<uint(min(attempt-1, 10)))
					if delay > maxDelay {
						delay = maxDelay
					}
					logger.Warn("failed to connect to peer, retrying",
						zap.String("folder", fc.Name),
						zap.String("address", addr),
						zap.Error(err),
						zap.Duration("retry_in", delay))
					time.Sleep(delay)
					continue
				}

				logger.Info("connected to peer", zap.String("folder", fc.Name), zap.String("address", addr))
				if !g.Attach(session) {
					logger.Warn("peer already attached", zap.String("address", addr))
					session.Close()
					conn.Close()
				}
				return
			}
		}()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func runStatusPanel(r *router, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logStatus(r, logger)
		}
	}
}

func logStatus(r *router, logger *zap.Logger) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#42c767"))
	for id, g := range r.groups {
		var up, down int64
		for _, remote := range g.Remotes() {
			state := remote.CollectState()
			if v, ok := state["bytes_up"].(int64); ok {
				up += v
			}
			if v, ok := state["bytes_down"].(int64); ok {
				down += v
			}
		}
		logger.Info(style.Render("folder status"),
			zap.String("name", r.names[id]),
			zap.String("folder_id", id.String()),
			zap.Int("peers", len(g.Remotes())),
			zap.String("sent", formatBytes(up)),
			zap.String("received", formatBytes(down)))
	}
}
