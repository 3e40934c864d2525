package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/app"
	"github.com/JakeFAU/weblog-dwh/internal/config"
)

func TestServeHandlesRequestsAndShutsDown(t *testing.T) {
	cfg := config.Config{
		Warehouse: config.WarehouseConfig{Backend: config.WarehouseMemory},
		Export:    config.ExportConfig{Backend: config.ExportMemory, ObjectName: "dwh_requests.csv"},
		Publisher: config.PublisherConfig{Backend: config.PublisherNone},
		Server:    config.ServerConfig{Port: 8080, MaxBodyBytes: 1 << 20},
	}
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(a, cfg.Server, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	body := "time,method,url,status,mimeType,wait_ms\n" +
		"2024-01-01T00:00:00Z,GET,https://example.com/a,200,text/html,120\n"
	resp, err := http.Post(base+"/v1/runs", "text/csv", strings.NewReader(body))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(base + "/v1/runs/latest")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := New(nil, config.ServerConfig{Port: port}, nil)
	srv.srv.Addr = ln.Addr().String()
	require.Error(t, srv.Run(context.Background()))
}
