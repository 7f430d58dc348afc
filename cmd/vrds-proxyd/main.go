/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command vrds-proxyd runs the verifiable PostgreSQL proxy: wire-protocol
// front-end, deterministic rewriter, state capture and block emission.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gajesh2007/verifiable-rds-avs/analyzer"
	"github.com/Gajesh2007/verifiable-rds-avs/api"
	"github.com/Gajesh2007/verifiable-rds-avs/backend"
	"github.com/Gajesh2007/verifiable-rds-avs/capture"
	"github.com/Gajesh2007/verifiable-rds-avs/conf"
	ca "github.com/Gajesh2007/verifiable-rds-avs/crypto/asymmetric"
	"github.com/Gajesh2007/verifiable-rds-avs/emitter"
	"github.com/Gajesh2007/verifiable-rds-avs/proxy"
	"github.com/Gajesh2007/verifiable-rds-avs/rewriter"
	"github.com/Gajesh2007/verifiable-rds-avs/security"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "./config.yaml", "Config file path")
}

func queryAnalyzer(config *conf.Config) *analyzer.Analyzer {
	an := analyzer.New(config.AllowedFunctions, config.AllowedSettings)
	an.SetStrict(config.StrictMode)
	return an
}

func securityGateway(config *conf.Config) *security.Gateway {
	if !config.Security.Enabled {
		return nil
	}
	return security.NewGateway(security.Config{
		Enabled:                 true,
		MaxConnectionsPerWindow: config.Security.MaxConnectionsPerWindow,
		ConnectionWindow:        config.Security.ConnectionWindow.Duration,
		MaxQueriesPerWindow:     config.Security.MaxQueriesPerWindow,
		QueryWindow:             config.Security.QueryWindow.Duration,
		MaxViolations:           config.Security.MaxViolations,
		BanDuration:             config.Security.BanDuration.Duration,
		AllowList:               config.Security.AllowList,
	}, nil)
}

func main() {
	flag.Parse()

	config, err := conf.LoadConfig(configFile)
	if err != nil {
		log.WithError(err).Fatal("load config failed")
	}
	conf.GConf = config
	log.SetStringLevel(config.LogLevel, log.InfoLevel)

	privateKey, err := ca.LoadPrivateKeyFile(config.PrivateKeyFile)
	if err != nil {
		log.WithError(err).Fatal("load operator key failed")
	}

	pool := backend.NewPool(backend.Config{
		Host:         config.Backend.Host,
		Port:         config.Backend.Port,
		User:         config.Backend.User,
		Password:     config.Backend.Password,
		Database:     config.Backend.Database,
		PoolSize:     config.Backend.PoolSize,
		MaxFrameSize: config.MaxFrameSize,
	})

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		config.Backend.Host, config.Backend.Port, config.Backend.User,
		config.Backend.Password, config.Backend.Database)
	capturer, err := capture.New(dsn)
	if err != nil {
		log.WithError(err).Fatal("open capture pool failed")
	}

	store, err := emitter.OpenStore(config.BlockStoreDir)
	if err != nil {
		log.WithError(err).Fatal("open block store failed")
	}

	var ledger emitter.Ledger
	if config.LedgerEndpoint != "" {
		ledger = emitter.NewHTTPLedger(config.LedgerEndpoint)
	}
	em, err := emitter.New(emitter.Config{
		Version:         1,
		Committer:       config.Committer,
		RuleFingerprint: config.RuleFingerprint(),
		CommitCadence:   config.CommitCadence.Duration,
		PrivateKey:      privateKey,
	}, store, ledger)
	if err != nil {
		log.WithError(err).Fatal("open emitter failed")
	}
	em.Start()

	var tlsConfig *tls.Config
	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, cerr := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if cerr != nil {
			log.WithError(cerr).Fatal("load listen certificate failed")
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var auth proxy.AuthFunc
	if len(config.Users) > 0 {
		users := config.Users
		auth = func(user, database, password string) bool {
			expected, ok := users[user]
			return ok && expected == password
		}
	}

	server := proxy.NewServer(proxy.ServerConfig{
		ListenAddr:   config.ListenAddr,
		TLSConfig:    tlsConfig,
		MaxFrameSize: config.MaxFrameSize,
		Auth:         auth,
		Gateway:      securityGateway(config),
	}, pool, queryAnalyzer(config), rewriter.New(capturer), capturer, em)

	if config.APIAddr != "" {
		go func() {
			if aerr := api.Serve(config.APIAddr, em); aerr != nil {
				log.WithError(aerr).Error("verification api stopped")
			}
		}()
	}

	stop := make(chan struct{})
	pool.StartHealthChecks(stop)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		server.Shutdown()
	}()

	if err = server.Serve(); err != nil {
		log.WithError(err).Error("proxy stopped")
	}

	close(stop)
	em.Stop()
	if err = capturer.Close(); err != nil {
		log.WithError(err).Debug("close capture pool")
	}
	pool.Close()
	store.Close()
}
