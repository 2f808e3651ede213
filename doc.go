// Package armadito exposes the Go APIs behind the local antivirus
// control-plane service. The service dispatches JSON-over-HTTP API
// requests to endpoint handlers: clients register for a session token,
// schedule filesystem scans, and long-poll the event feed for scan
// progress and detections.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen` (default ":8888").
//
//	cfg := armadito.Config{
//	    Listen:      ":8888",
//	    ListenProto: "tcp",
//	    BrowseRoot:  "/home",
//	}
//	srv, err := armadito.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("armadito: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("armadito shutdown: %v", err)
//	    }
//	}()
//
// # Unix domain sockets
//
// For same-host agents you can serve over a Unix socket by setting
// `ListenProto` to "unix". Stale socket files are removed on start and
// the socket is unlinked again at shutdown.
//
//	cfg := armadito.Config{
//	    ListenProto: "unix",
//	    Listen:      "/var/run/armadito.sock",
//	}
//	srv, stop, err := armadito.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # API protocol
//
// Every request passes a fixed precondition pipeline before dispatch:
// unknown paths get 404, requests without a User-Agent get 403,
// token-protected endpoints reject requests without the
// X-Armadito-Token header with 400, then the method and (for POST) the
// application/json content type are enforced. Rejections use fixed JSON
// bodies; successful responses carry the X-Armadito-Api-Version header.
//
// The endpoint set is small: /register mints a session token,
// /unregister and /ping manage the session, POST /scan schedules an
// asynchronous filesystem scan, /event long-polls the session's event
// queue, and /status, /browse and /version are session-free probes.
//
// # Telemetry
//
// Setting `Config.OTLPEndpoint` exports traces via OTLP (gRPC or HTTP
// depending on the endpoint scheme). `Config.MetricsListen` serves a
// Prometheus scrape endpoint and `Config.PprofListen` a pprof listener.
package armadito
