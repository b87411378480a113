// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/tlsframe"
	"github.com/goccy/go-yaml"
)

// Config holds the settings of a run. It can be loaded from YAML and overridden by flags.
type Config struct {
	Listen  string `yaml:"listen,omitempty"`
	Connect string `yaml:"connect,omitempty"`
	// Cert and Key are PEM files. A client uses them when the server asks for a certificate.
	Cert       string   `yaml:"cert,omitempty"`
	Key        string   `yaml:"key,omitempty"`
	CA         string   `yaml:"ca,omitempty"`
	ServerName string   `yaml:"server_name,omitempty"`
	ALPN       []string `yaml:"alpn,omitempty"`
	Insecure   bool     `yaml:"insecure,omitempty"`
	// Protocols restricts the versions, for example [tls1.2, tls1.3].
	Protocols         []string `yaml:"protocols,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert,omitempty"`
	// Revocation is one of none, offline or online.
	Revocation       string   `yaml:"revocation,omitempty"`
	CRLs             []string `yaml:"crls,omitempty"`
	HandshakeTimeout string   `yaml:"handshake_timeout,omitempty"`
}

type stringArrayFlagValue []string

func (v *stringArrayFlagValue) String() string {
	return fmt.Sprint(*v)
}

func (v *stringArrayFlagValue) Set(value string) error {
	*v = append(*v, value)
	return nil
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(data)
}

// registerFlags binds the flags that mirror Config fields to cfg.
func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Listen, "listen", "", "Address to listen on, running an echo server")
	fs.StringVar(&cfg.Connect, "connect", "", "Address to connect to, piping stdin and stdout")
	fs.StringVar(&cfg.Cert, "cert", "", "PEM certificate file")
	fs.StringVar(&cfg.Key, "key", "", "PEM private key file")
	fs.StringVar(&cfg.CA, "ca", "", "PEM file with the trusted roots. If empty, use the system roots")
	fs.StringVar(&cfg.ServerName, "server-name", "", "Name to request and verify. If empty, use the host of -connect")
	fs.Var((*stringArrayFlagValue)(&cfg.ALPN), "alpn", "Application protocol to offer. Can be repeated")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "Accept any peer certificate")
	fs.BoolVar(&cfg.RequireClientCert, "require-client-cert", false, "Require clients to present a certificate")
	fs.StringVar(&cfg.HandshakeTimeout, "handshake-timeout", "", "Handshake timeout, such as 10s")
}

// mergeFlags copies the flags explicitly set in fs from flagCfg into cfg.
func mergeFlags(cfg, flagCfg *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = flagCfg.Listen
		case "connect":
			cfg.Connect = flagCfg.Connect
		case "cert":
			cfg.Cert = flagCfg.Cert
		case "key":
			cfg.Key = flagCfg.Key
		case "ca":
			cfg.CA = flagCfg.CA
		case "server-name":
			cfg.ServerName = flagCfg.ServerName
		case "alpn":
			cfg.ALPN = flagCfg.ALPN
		case "insecure":
			cfg.Insecure = flagCfg.Insecure
		case "require-client-cert":
			cfg.RequireClientCert = flagCfg.RequireClientCert
		case "handshake-timeout":
			cfg.HandshakeTimeout = flagCfg.HandshakeTimeout
		}
	})
}

func parseProtocols(names []string) (tlsframe.Protocols, error) {
	var protocols tlsframe.Protocols
	for _, name := range names {
		switch strings.ToLower(name) {
		case "tls1.2":
			protocols |= tlsframe.ProtocolTLS12
		case "tls1.3":
			protocols |= tlsframe.ProtocolTLS13
		default:
			return 0, fmt.Errorf("unsupported protocol %q", name)
		}
	}
	return protocols, nil
}

func parseRevocation(mode string) (secchannel.RevocationMode, error) {
	switch strings.ToLower(mode) {
	case "", "none":
		return secchannel.RevocationNoCheck, nil
	case "offline":
		return secchannel.RevocationOffline, nil
	case "online":
		return secchannel.RevocationOnline, nil
	default:
		return 0, fmt.Errorf("invalid revocation mode %q", mode)
	}
}

func (c *Config) handshakeTimeout() (time.Duration, error) {
	if c.HandshakeTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.HandshakeTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid handshake timeout: %w", err)
	}
	return d, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %v", path)
	}
	return pool, nil
}

// loadCRL reads a revocation list in PEM or DER form.
func loadCRL(path string) (*x509.RevocationList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return x509.ParseRevocationList(data)
}

// options converts the configuration into the options of one side.
func (c *Config) options(isServer bool) (*secchannel.Options, error) {
	opts := &secchannel.Options{
		TargetName:                c.ServerName,
		ApplicationProtocols:      c.ALPN,
		ClientCertificateRequired: isServer && c.RequireClientCert,
	}
	var err error
	if opts.EnabledProtocols, err = parseProtocols(c.Protocols); err != nil {
		return nil, err
	}
	if opts.RevocationMode, err = parseRevocation(c.Revocation); err != nil {
		return nil, err
	}
	for _, path := range c.CRLs {
		crl, err := loadCRL(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load CRL: %w", err)
		}
		opts.RevocationLists = append(opts.RevocationLists, crl)
	}
	if c.CA != "" {
		if opts.TrustAnchors, err = loadCertPool(c.CA); err != nil {
			return nil, fmt.Errorf("failed to load CA: %w", err)
		}
	}
	if c.Insecure {
		opts.RemoteCertificateValidator = func([]*x509.Certificate, secchannel.PolicyErrors, secchannel.ChainStatus) bool {
			return true
		}
	}
	if (c.Cert == "") != (c.Key == "") {
		return nil, errors.New("cert and key must be set together")
	}
	if c.Cert != "" {
		cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		if isServer {
			opts.Certificate = &cert
		} else {
			opts.ClientCertificates = []*tls.Certificate{&cert}
		}
	}
	if err := opts.Validate(isServer); err != nil {
		return nil, err
	}
	return opts, nil
}
