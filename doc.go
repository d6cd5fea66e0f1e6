// Package distlock exposes the Go APIs behind distlockd, a single-binary
// service that hands out expiring, keyed mutual-exclusion locks held in
// memory. Locks are advisory: a holder keeps a key until it releases it or
// the lock's TTL passes, after which the next caller reclaims it with a new
// token. Nothing is persisted and there is no replication; restarting the
// process forgets every lock.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen` (default `:9342`).
//
//	cfg := distlock.Config{
//	    Listen:        ":9342",
//	    LockTTL:       30 * time.Second,
//	    SweepInterval: 2 * time.Second,
//	}
//	srv, err := distlock.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("distlock: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Semantics
//
// Keys are trimmed and lower-cased, so " Foo" and "foo" name the same lock.
// Acquire on a free, released or expired key grants it; on a held key it
// answers "not acquired" without waiting. Release is idempotent and ignores
// who holds the lock. A background sweeper evicts expired entries every
// `Config.SweepInterval`; eviction only frees memory and never changes the
// outcome of an Acquire.
//
// # Unix domain sockets
//
// For same-host sidecars you can serve over a Unix socket by setting
// `ListenProto` to "unix". The socket file is removed on shutdown.
//
//	cfg := distlock.Config{ListenProto: "unix", Listen: "/var/run/distlock.sock"}
//	srv, stop, err := distlock.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Client SDK
//
// The Go client (`pkt.systems/distlock/client`) wraps the HTTP API and makes
// exactly one attempt per call. `client/inprocess` starts a private server and
// returns a client bound to it, which is convenient in tests.
//
// # Telemetry
//
// Setting `Config.MetricsListen` exposes a Prometheus scrape endpoint backed
// by OpenTelemetry metrics, `Config.OTLPEndpoint` exports traces over OTLP
// (gRPC by default, HTTP with an http:// or https:// URL), and
// `Config.PprofListen` serves net/http/pprof.
package distlock
