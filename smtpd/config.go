package smtpd

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io/ioutil"
	_ "net/http/pprof"

	"gopkg.in/yaml.v2"

	"github.com/abligh/goms/engine"
)

/* Example configuration:

servers:
- protocol: tcp
  address: 127.0.0.1:25
  hostname: mail.example.com
  smtputf8: true
  chunking: true
  maxmessagesize: 10485760
  maxrecipients: 100
  maildir: /var/spool/goms/mail
  tls:
    certfile: /etc/goms/cert.pem
    keyfile: /etc/goms/key.pem
    minversion: tls1.2
logging:
  syslogfacility: local1
*/

// Location of the config file on disk; overriden by flags
var configFile = flag.String("c", "/etc/goms.conf", "Path to YAML config file")
var pidFile = flag.String("p", "/var/run/goms.pid", "Path to PID file")
var sendSignal = flag.String("s", "", "Send signal to daemon (either \"stop\" or \"reload\")")
var foreground = flag.Bool("f", false, "Run in foreground (not as daemon)")
var pprof = flag.Bool("pprof", false, "Run pprof")

const (
	ENV_CONFFILE = "_GOMS_CONFFILE"
	ENV_PIDFILE  = "_GOMS_PIDFILE"

	GOMS_DEFAULT_PORT = 25
)

// Map of configuration text to TLS versions
var tlsVersionMap = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// Map of configuration text to TLS authentication strategies
var tlsClientAuthMap = map[string]tls.ClientAuthType{
	"none":          tls.NoClientCert,
	"request":       tls.RequestClientCert,
	"require":       tls.RequireAnyClientCert,
	"verify":        tls.VerifyClientCertIfGiven,
	"requireverify": tls.RequireAndVerifyClientCert,
}

// Config holds the config that applies to all servers, and an array of server configs
type Config struct {
	Servers []ServerConfig // array of server configs
	Logging LogConfig      // Configuration for logging
}

// ServerConfig holds the config that applies to each server (i.e. listener)
type ServerConfig struct {
	Protocol string    // protocol it should listen on (in net.Conn form)
	Address  string    // address to listen on
	Hostname string    // hostname advertised in the banner and EHLO/HELO reply
	Tls      TlsConfig // TLS configuration; zero value means STARTTLS is disabled

	SMTPUTF8       bool  // advertise and accept RFC 6531 SMTPUTF8
	Chunking       bool  // advertise and accept RFC 3030 BDAT/CHUNKING
	MaxMessageSize int64 // advertised SIZE and enforced cap on one message body; 0 = unbounded
	MaxRecipients  int   // cap on RCPT commands per transaction; 0 = unbounded

	Maildir string // delivery directory for the sample Maildir handler

	RateLimitWindowSecs int64 // connection rate limit window, seconds; 0 selects the default of 60
	RateLimitMaxConns   int   // max new connections per remote address per window; 0 selects the default of 120
}

// TlsConfig has the configuration for TLS
type TlsConfig struct {
	KeyFile    string // path to TLS key file
	CertFile   string // path to TLS cert file
	ServerName string // server name
	CaCertFile string // path to certificate file
	ClientAuth string // client authentication strategy
	MinVersion string // minimum TLS version
	MaxVersion string // maximum TLS version
}

// Enabled reports whether enough of TlsConfig is populated to build a
// *tls.Config (both a cert and a key file configured).
func (t TlsConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Build turns a TlsConfig into a *tls.Config usable by STARTTLS.
func (t TlsConfig) Build() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("smtpd: TLS requires both certfile and keyfile")
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("smtpd: loading TLS keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   t.ServerName,
	}
	if t.MinVersion != "" {
		v, ok := tlsVersionMap[t.MinVersion]
		if !ok {
			return nil, fmt.Errorf("smtpd: unknown TLS min version %q", t.MinVersion)
		}
		cfg.MinVersion = v
	}
	if t.MaxVersion != "" {
		v, ok := tlsVersionMap[t.MaxVersion]
		if !ok {
			return nil, fmt.Errorf("smtpd: unknown TLS max version %q", t.MaxVersion)
		}
		cfg.MaxVersion = v
	}
	if t.ClientAuth != "" {
		auth, ok := tlsClientAuthMap[t.ClientAuth]
		if !ok {
			return nil, fmt.Errorf("smtpd: unknown TLS client auth strategy %q", t.ClientAuth)
		}
		cfg.ClientAuth = auth
	}
	if t.CaCertFile != "" {
		pem, err := ioutil.ReadFile(t.CaCertFile)
		if err != nil {
			return nil, fmt.Errorf("smtpd: reading CA cert file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("smtpd: no certificates found in %s", t.CaCertFile)
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// EngineConfig builds the engine.Config that governs wire-level
// protocol behaviour for this server, separate from the transport
// concerns (Protocol, Address) that stay in ServerConfig.
func (s ServerConfig) EngineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if s.Hostname != "" {
		cfg.Hostname = s.Hostname
	}
	cfg.SMTPUTF8 = s.SMTPUTF8
	cfg.Chunking = s.Chunking
	cfg.MaxMessageSize = s.MaxMessageSize
	cfg.MaxRecipients = s.MaxRecipients

	if s.Tls.Enabled() {
		tlsCfg, err := s.Tls.Build()
		if err != nil {
			return engine.Config{}, err
		}
		cfg.StartTLS = true
		cfg.TLSConfig = tlsCfg
	}
	return cfg, nil
}

// ParseConfig parses the YAML configuration at *configFile.
func ParseConfig() (*Config, error) {
	buf, err := ioutil.ReadFile(*configFile)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, err
	}
	for i := range c.Servers {
		if c.Servers[i].Protocol == "" {
			c.Servers[i].Protocol = "tcp"
		}
		if c.Servers[i].Protocol == "tcp" && c.Servers[i].Address == "" {
			c.Servers[i].Address = fmt.Sprintf("0.0.0.0:%d", GOMS_DEFAULT_PORT)
		}
		if c.Servers[i].RateLimitWindowSecs == 0 {
			c.Servers[i].RateLimitWindowSecs = 60
		}
		if c.Servers[i].RateLimitMaxConns == 0 {
			c.Servers[i].RateLimitMaxConns = 120
		}
	}
	return c, nil
}
