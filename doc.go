// Package harmonyd exposes the Go APIs behind the harmonyd tuning server:
// clients describe a search space, fetch candidate configurations, report
// measured performance and converge on the best one. The server can hold
// points back until a code generation round has produced code for them.
//
// # Running a server
//
// The server listens on Config.ListenProto (default tcp) and Config.Listen
// (default :1979). Protocol clients and the read-only HTTP endpoints share
// the port; the first bytes of each connection decide which side gets it.
//
//	cfg := harmonyd.Config{
//	    Listen:     ":1979",
//	    Strategy:   "exhaustive",
//	    HistoryDir: "/var/lib/harmonyd/history",
//	}
//	srv, err := harmonyd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("harmonyd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer does the same and waits until the listener is ready.
//
// # Sessions
//
// A session is named by its signature. The first client to send SESSION
// launches it with the strategy and plugins named in its config pairs (or
// the server defaults); later clients join by name or by an equal
// signature. Every session has its own config store layered over the
// server store, readable with QUERY and writable with INFORM.
//
// Strategies are registered by name ("exhaustive", "random"), plugins
// likewise ("log", "agg", "codegen"). WithStrategies and WithPlugins swap
// the registries for embedders with their own implementations.
//
// # Code generation
//
// With Config.CodegenEnabled a session launched with the codegen plugin
// publishes batches of configuration vectors. The default mailbox handoff
// runs the coordinator inside the server and spawns Config.CodegenScript
// once per unit across Config.CodegenHosts. A dir:///path handoff writes
// batches to disk instead, for a coordinator started separately with
// "harmonyd codegen run".
//
// # Telemetry
//
// MetricsListen exposes Prometheus metrics, PprofListen the pprof handlers
// and OTLPEndpoint enables trace export over gRPC or HTTP.
package harmonyd
