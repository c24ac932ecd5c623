// Package client speaks the harmonyd wire protocol. A tuning loop
// registers, launches or joins a session, then alternates Fetch and Report
// until the session converges:
//
//	ctx := context.Background()
//	cli, err := client.Dial(ctx, "localhost:1979")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	if _, err := cli.Register(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := client.ParseSignature("gemm", "tile:int[1,64,1]", "unroll:int[1,8,1]")
//	if _, err := cli.Launch(ctx, sig, map[string]string{"session.strategy": "exhaustive"}); err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    cand, err := cli.Fetch(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if cand.Converged {
//	        break
//	    }
//	    out, err := cli.Report(ctx, cand.Point, run(cand.Point))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if out.Converged {
//	        break
//	    }
//	}
//
// Fetch never fails because the server is busy: a BUSY reply yields the
// previous candidate (or the best known one) with Candidate.Busy set so
// the application keeps running with a known-good configuration.
//
// Failures from the server are *Error values carrying the protocol failure
// code; IsCode matches them.
package client
