// Package client provides the Go SDK for distlockd.
//
// A Client is a thin proxy over the HTTP API: every call performs exactly one
// request, and by default on a fresh connection that is closed when the call
// returns. There is no internal retry. A lock held by someone else is a normal
// result (false, nil entry, nil error); only transport failures and non-2xx
// responses are returned as errors, the latter as *APIError.
//
//	cli, err := client.New("unix:///var/run/distlock.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ok, lock, err := cli.Acquire(ctx, "nightly-report")
//	if err != nil {
//	    return err
//	}
//	if !ok {
//	    return nil // someone else runs it
//	}
//	defer cli.Release(context.Background(), "nightly-report")
//	log.Printf("holding %s until %s", lock.ID, lock.ExpireTime)
//
// Correlation identifiers are forwarded in the X-Correlation-Id header. Use
// ContextWithCorrelationID per call, or WithCorrelationID for every call made
// by a client.
package client
