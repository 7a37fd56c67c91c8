// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ioloop/ioloop/adminserver"
	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/common"
	"github.com/ioloop/ioloop/confengine"
	"github.com/ioloop/ioloop/connhandler"
	"github.com/ioloop/ioloop/delegator"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/internal/sigs"
	"github.com/ioloop/ioloop/iosystem"
	"github.com/ioloop/ioloop/logger"
	"github.com/ioloop/ioloop/metrics"
	"github.com/ioloop/ioloop/protocol/phttp"
	"github.com/ioloop/ioloop/server"
)

func init() {
	// GOMAXPROCS defaults to the host's CPU count even inside a
	// cgroup-limited container; let automaxprocs reconcile it so
	// iosystem.Config{NumWorkers: -1} actually sizes to the quota.
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Infof)); err != nil {
		logger.Warnf("serve: automaxprocs: %s", err)
	}
}

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the ioloop server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), configPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "ioloop.yml", "path to the YAML config file")
}

// appConfig is the top-level shape serve.go unpacks from --config. The
// "admin" child is handed to adminserver.New as-is, which expects its own
// nested "server" key (see adminserver.Config).
type appConfig struct {
	Logger     logger.Options  `config:"logger"`
	NumWorkers int             `config:"numWorkers"`
	Server     server.Settings `config:"server"`
}

func runServe(ctx context.Context, path string) error {
	conf, err := confengine.LoadConfigPath(path)
	if err != nil {
		return err
	}

	var app appConfig
	if err := conf.Unpack(&app); err != nil {
		return err
	}
	logger.SetOptions(app.Logger)

	sink := metrics.NewPrometheusSink(common.App, nil)
	sys := iosystem.New(iosystem.Config{Name: common.App, NumWorkers: app.NumWorkers}, sink)

	admin, err := adminServerFromConfig(conf, sys)
	if err != nil {
		return err
	}
	if admin != nil {
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				logger.Errorf("serve: admin server: %s", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := sys.AttachServer(runCtx, app.Server, phttp.ServerCodec, delegator.CreateFunc(func() delegator.Delegator {
		return delegator.Func(newEchoHandler)
	})); err != nil {
		return err
	}

	return waitForSignal(sys)
}

// waitForSignal blocks until a termination signal arrives, then drains
// connections (SIGINT/SIGTERM). A reload signal (SIGHUP) is only logged:
// neither the config file nor the logger level is reloaded.
func waitForSignal(sys *iosystem.IOSystem) error {
	term := sigs.Terminate()
	reload := sigs.Reload()
	for {
		select {
		case <-term:
			logger.Infof("serve: received termination signal, draining")
			return sys.Shutdown(false)
		case <-reload:
			logger.Infof("serve: received reload signal")
		}
	}
}

// adminServerFromConfig builds the operational HTTP server exposing
// Prometheus metrics and pprof profiles. It returns (nil, nil) when the
// "admin" section is absent or disabled, mirroring adminserver.New's own
// nil-if-disabled contract.
func adminServerFromConfig(conf *confengine.Config, sys *iosystem.IOSystem) (*adminserver.Server, error) {
	if !conf.Has("admin") {
		return nil, nil
	}
	adminConf, err := conf.Child("admin")
	if err != nil {
		return nil, err
	}
	admin, err := adminserver.New(adminConf)
	if err != nil || admin == nil {
		return admin, err
	}

	admin.RegisterGetRoute("/metrics", promhttp.Handler().ServeHTTP)
	admin.RegisterGetRoute("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
		uptime := time.Now().Unix() - common.Started()
		fmt.Fprintf(w, "ok, uptime=%ds\n", uptime)
	})
	admin.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return admin, nil
}

// newEchoHandler is the worked-example HTTP handler attached by serve: it
// answers every request with a 200 and the request's own method and path,
// exercising the phttp codec end to end.
func newEchoHandler(id connhandler.ConnID) connhandler.Handler {
	return &echoHandler{}
}

type echoHandler struct {
	connhandler.BaseHandler
	ref connhandler.WorkerRef
	id  connhandler.ConnID
}

func (h *echoHandler) OnConnected(ref connhandler.WorkerRef, id connhandler.ConnID) {
	h.ref = ref
	h.id = id
}

func (h *echoHandler) ReceivedMessage(m codec.Message) {
	req, ok := m.(*phttp.Request)
	if !ok {
		h.ref.Close(h.id, errkind.CauseProtocolViolation)
		return
	}
	resp := &phttp.Response{
		Code:    phttp.StatusCode{Code: 200, Reason: "OK"},
		Headers: phttp.Header{{Name: "content-type", Value: "text/plain"}},
		Body:    []byte(req.Method + " " + req.Path),
	}
	h.ref.Send(h.id, resp)
}
