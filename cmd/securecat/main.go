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

// securecat pipes data through an authenticated stream, as an echo server or as a client that
// connects stdin and stdout to the server.
//
//	securecat -gen-cert example.com -cert cert.pem -key key.pem
//	securecat -listen :8443 -cert cert.pem -key key.pem
//	securecat -connect localhost:8443 -server-name example.com -ca cert.pem
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"

	"github.com/Jigsaw-Code/tlsstream/internal/certgen"
	"github.com/Jigsaw-Code/tlsstream/transport"
	"github.com/Jigsaw-Code/tlsstream/transport/secchannel"
	"github.com/Jigsaw-Code/tlsstream/transport/securestream"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	configFlag := flag.String("config", "", "YAML config file. Flags override its values")
	genCertFlag := flag.String("gen-cert", "", "Write a self-signed certificate for this host to -cert and -key, then exit")
	var flagCfg Config
	registerFlags(flag.CommandLine, &flagCfg)

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	cfg := &Config{}
	if *configFlag != "" {
		var err error
		if cfg, err = loadConfig(*configFlag); err != nil {
			slog.Error("Could not load config", "error", err)
			os.Exit(1)
		}
	}
	mergeFlags(cfg, &flagCfg, flag.CommandLine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch {
	case *genCertFlag != "":
		err = generateCertificate(*genCertFlag, cfg.Cert, cfg.Key)
	case cfg.Listen != "" && cfg.Connect != "":
		err = errors.New("-listen and -connect are exclusive")
	case cfg.Listen != "":
		err = serve(ctx, cfg)
	case cfg.Connect != "":
		err = connect(ctx, cfg)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed", "error", err)
		os.Exit(1)
	}
}

func generateCertificate(host, certPath, keyPath string) error {
	if certPath == "" || keyPath == "" {
		return errors.New("-gen-cert needs -cert and -key")
	}
	cert, err := certgen.SelfSigned(certgen.Ed25519, host)
	if err != nil {
		return err
	}
	certPEM, keyPEM, err := certgen.EncodePEM(cert)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	slog.Info("Wrote certificate", "host", host, "cert", certPath, "key", keyPath, "expires", cert.Leaf.NotAfter)
	return nil
}

func serve(ctx context.Context, cfg *Config) error {
	opts, err := cfg.options(true)
	if err != nil {
		return err
	}
	opts.Logger = slog.Default()
	timeout, err := cfg.handshakeTimeout()
	if err != nil {
		return err
	}
	inner, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	listener := securestream.NewListener(inner, opts)
	listener.HandshakeTimeout = timeout
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	slog.Info("Listening", "address", inner.Addr().String())
	for {
		conn, err := listener.Accept()
		var handshakeErr *securestream.HandshakeError
		if errors.As(err, &handshakeErr) {
			slog.Warn("Handshake failed", "remote", handshakeErr.RemoteAddr, "error", handshakeErr.Err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go echo(conn.(*securestream.Conn))
	}
}

func echo(conn *securestream.Conn) {
	defer conn.Close()
	state := conn.ConnectionState()
	log := slog.With("remote", conn.RemoteAddr().String())
	log.Info("Accepted", "server_name", state.ServerName, "alpn", state.NegotiatedProtocol, "cipher", state.CipherName)
	n, err := io.Copy(conn, conn)
	if err != nil {
		log.Warn("Echo failed", "bytes", n, "error", err)
		return
	}
	if err := conn.CloseWrite(); err != nil {
		log.Warn("Close failed", "error", err)
	}
	log.Info("Done", "bytes", n)
}

func connect(ctx context.Context, cfg *Config) error {
	opts, err := cfg.options(false)
	if err != nil {
		return err
	}
	opts.Logger = slog.Default()
	dialer, err := securestream.NewStreamDialer(&transport.TCPDialer{}, securestream.WithOptions(func(dialOpts *secchannel.Options) {
		dialedHost := dialOpts.TargetName
		*dialOpts = *opts.Clone()
		if dialOpts.TargetName == "" {
			dialOpts.TargetName = dialedHost
		}
	}))
	if err != nil {
		return err
	}
	if timeout, err := cfg.handshakeTimeout(); err != nil {
		return err
	} else if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	streamConn, err := dialer.DialStream(ctx, cfg.Connect)
	if err != nil {
		return err
	}
	conn := streamConn.(*securestream.Conn)
	defer conn.Close()
	state := conn.ConnectionState()
	slog.Debug("Connected", "protocol", state.Version, "cipher", state.CipherName, "alpn", state.NegotiatedProtocol)

	go func() {
		if _, err := io.Copy(conn, os.Stdin); err != nil {
			slog.Warn("Send failed", "error", err)
		}
		conn.CloseWrite()
	}()
	_, err = io.Copy(os.Stdout, conn)
	return err
}
