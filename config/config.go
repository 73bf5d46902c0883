// Package config defines the structured document consumed by the tunnel
// core (§6 of the external interfaces) and a file watcher that reports
// changes to TLS material through Changed(); the watcher itself reloads
// nothing. This change notification is new relative to the source, which
// only read certificate files once at startup.
package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// TLSConfig mirrors §6's `tls` document section.
type TLSConfig struct {
	CACertPath   string `json:"ca_cert_path"`
	CertPath     string `json:"cert_path"`
	KeyPath      string `json:"key_path"`
	DHParamsPath string `json:"dh_params_path,omitempty"`
	CipherSuites string `json:"cipher_suites,omitempty"`
	VerifyPeer   bool   `json:"verify_peer"`
}

// HTTPProxyConfig mirrors §6's `http_proxy` document section.
type HTTPProxyConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Password    string `json:"password,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	ReuseNTLM   bool   `json:"reuse_ntlm,omitempty"`
	ReuseKerb   bool   `json:"reuse_kerb,omitempty"`
}

// SOCKSProxyConfig mirrors §6's `socks_proxy` document section.
type SOCKSProxyConfig struct {
	Version int    `json:"version"` // 4 or 5
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// CircuitHopConfig is one element of the `circuit` relay hop list.
type CircuitHopConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ServiceConfig describes one enabled user service and its parameters,
// consumed by the (out-of-scope) service registry.
type ServiceConfig struct {
	Kind    string            `json:"kind"`
	Reverse bool              `json:"reverse,omitempty"`
	Params  map[string]string `json:"params"`
}

// Document is the full configuration document.
type Document struct {
	TLS         TLSConfig          `json:"tls"`
	HTTPProxy   *HTTPProxyConfig   `json:"http_proxy,omitempty"`
	SOCKSProxy  *SOCKSProxyConfig  `json:"socks_proxy,omitempty"`
	Circuit     []CircuitHopConfig `json:"circuit,omitempty"`
	Services    []ServiceConfig    `json:"services,omitempty"`
	TargetHost  string             `json:"target_host,omitempty"`
	TargetPort  int                `json:"target_port,omitempty"`
	ListenAddr  string             `json:"listen_addr,omitempty"`
}

// Load reads and parses a JSON configuration document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "read config %s", path)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "parse config %s", path)
	}
	return &doc, nil
}

// Watcher observes a config document's TLS material (cert, key, CA bundle)
// for changes and signals Changed() so a running session can reload its
// TLSContext without a restart.
type Watcher struct {
	logger ssflog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	changed chan struct{}
	stopCh  chan struct{}
}

// NewWatcher starts watching the given files (typically CACertPath,
// CertPath, KeyPath from a Document's TLSConfig).
func NewWatcher(paths []string, logger ssflog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "create fsnotify watcher")
	}
	for _, p := range paths {
		if err := fw.Add(p); err != nil {
			fw.Close()
			return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "watch %s", p)
		}
	}
	w := &Watcher{
		logger:  logger.Fork("config-watch"),
		watcher: fw,
		changed: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Certificate rotation is commonly done via rename-into-place
			// (write a temp file, rename over the target), which fsnotify
			// reports as Create or Rename on the watched name depending on
			// the platform; Write covers in-place edits. All three are
			// treated as "the file may have new content."
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.logger.ILogf("detected change to %s", ev.Name)
				select {
				case w.changed <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WLogf("watch error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

// Changed is signaled (non-blocking, coalesced) whenever a watched file changes.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changed
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
