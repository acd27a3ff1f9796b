package frontend

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DXTimer/pdns/internal/config"
)

// certManager serves a listener's TLS certificate and reloads it when the
// files change on disk, so certificate rotation needs no restart.
type certManager struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

func newCertManager(certPath, keyPath string) (*certManager, error) {
	cm := &certManager{
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
	}
	if err := cm.load(); err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating certificate watcher: %w", err)
	}
	cm.watcher = w

	// watch the directories, not the files: symlink flips (Let's Encrypt
	// style) replace the file without touching the old inode
	dirs := map[string]bool{filepath.Dir(certPath): true, filepath.Dir(keyPath): true}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching certificate directory: %w", err)
		}
	}

	go cm.watch()
	return cm, nil
}

func (cm *certManager) load() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}
	cm.mu.Lock()
	cm.cert = &cert
	cm.mu.Unlock()
	return nil
}

func (cm *certManager) watch() {
	defer cm.watcher.Close()
	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name == filepath.Base(cm.certPath) || name == filepath.Base(cm.keyPath) {
				if err := cm.load(); err != nil {
					slog.Error("reloading certificate", "cert", cm.certPath, "err", err)
				} else {
					slog.Info("TLS certificate reloaded", "cert", cm.certPath)
				}
			}
		case <-cm.watcher.Errors:
		}
	}
}

func (cm *certManager) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return cm.cert, nil
}

func (cm *certManager) stop() {
	close(cm.stopCh)
}

// buildTLSConfig assembles the listener's tls.Config, either from files with
// hot reload or from an ACME manager when a domain is configured.
func buildTLSConfig(cfg *config.TLSConfig) (*tls.Config, func(), error) {
	if cfg.ACMEDomain != "" {
		cacheDir := cfg.ACMECache
		if cacheDir == "" {
			cacheDir = "acme-cache"
		}
		mgr := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(cacheDir),
		}
		return &tls.Config{
			GetCertificate: mgr.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}, func() {}, nil
	}

	cm, err := newCertManager(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{
		GetCertificate: cm.getCertificate,
		MinVersion:     tls.VersionTLS12,
	}, cm.stop, nil
}
