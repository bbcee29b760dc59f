// Package service exposes the bridge over HTTP: a REST surface for
// conference management and a websocket feed of per-conference changes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/videobridge/bridge-server/pkg/bridge"
	"github.com/videobridge/bridge-server/pkg/config"
	"github.com/videobridge/bridge-server/version"
)

type BridgeServer struct {
	config *config.Config
	bridge *bridge.Bridge

	httpServer *http.Server
	promServer *http.Server

	running  atomic.Bool
	doneChan chan struct{}
}

func NewBridgeServer(conf *config.Config, b *bridge.Bridge) *BridgeServer {
	s := &BridgeServer{
		config: conf,
		bridge: b,
	}

	mux := http.NewServeMux()
	conferenceService := NewConferenceService(b)
	mux.Handle("/conferences", conferenceService)
	mux.Handle("/conferences/", conferenceService)
	mux.HandleFunc("/about/health", s.handleHealth)
	mux.HandleFunc("/about/version", s.handleVersion)

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedHeaders: []string{"*"},
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete,
			},
		}),
	}

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promMux,
		}
	}

	return s
}

func (s *BridgeServer) IsRunning() bool {
	return s.running.Load()
}

// Start serves until Stop is called. Blocks.
func (s *BridgeServer) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("already running")
	}
	s.doneChan = make(chan struct{})

	bindAddresses := s.config.BindAddresses
	if len(bindAddresses) == 0 {
		bindAddresses = []string{""}
	}

	listeners := make([]net.Listener, 0, len(bindAddresses))
	for _, addr := range bindAddresses {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, s.config.Port))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	if s.promServer != nil {
		promLn, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		go func() {
			_ = s.promServer.Serve(promLn)
		}()
	}

	for _, ln := range listeners {
		ln := ln
		go func() {
			logger.Infow("starting bridge server", "address", ln.Addr().String(),
				"nodeId", s.bridge.NodeID(), "version", version.Version)
			_ = s.httpServer.Serve(ln)
		}()
	}

	<-s.doneChan

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	s.bridge.Shutdown()
	return nil
}

func (s *BridgeServer) Stop() {
	if s.running.CompareAndSwap(true, false) {
		close(s.doneChan)
	}
}

func (s *BridgeServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *BridgeServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"nodeId":  s.bridge.NodeID(),
	})
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}

func handleError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
