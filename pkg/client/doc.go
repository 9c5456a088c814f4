// Package client is the Go SDK for an echod recording server.
//
// # Recording
//
// A session is opened, fed one segment at a time in capture order, and sealed:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	info, err := c.StartSession(ctx)
//	for i, chunk := range chunks {
//	    if _, err := c.Ingest(ctx, info.ID, chain.Segment{Index: uint64(i), Data: chunk}); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	_, err = c.Seal(ctx, info.ID)
//
// A gap or reordering fails the session on the server; every later write
// answers 409.
//
// # Signing
//
// Sign fetches a revision, signs its selfHash with a local capability and
// posts only the signature:
//
//	key, _ := signer.NewEd25519Key(seed)
//	_, err = c.Sign(ctx, info.ID, 0, key)
//
// # Verifying
//
// Export returns the portable artifact. VerifyArtifact sends it to any echod,
// which needs no session state to check it:
//
//	a, _ := c.Export(ctx, info.ID)
//	res, _ := c.VerifyArtifact(ctx, a, verify.DefaultPolicy(), true)
//	fmt.Println(res.Report.Verdict, res.Attestation)
package client
