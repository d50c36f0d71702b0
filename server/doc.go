// Package server implements the FTP session protocol engine.
//
// # Overview
//
// A Server accepts control connections, runs one session goroutine per
// connection and drives each session through its login states:
//
//	unauthenticated --USER--> awaiting password --PASS--> authenticated
//	       ^                                                   |
//	       +----------------------- REIN ----------------------+
//
// QUIT, a broken control connection, the idle timeout and Shutdown all end
// the session. Commands are read ahead by a reader goroutine, so pipelined
// commands are fine, but they are answered strictly in the order received.
//
// # Collaborators
//
// The engine decides whether something is allowed and how the data
// connection is set up. Everything else is plugged in:
//   - an Authenticator verifies USER/PASS (usually *auth.Authenticator over
//     an auth.UserRepository)
//   - a Driver opens the user's files (FSDriver serves a local directory)
//   - an *admission.Controller caps connections and logins
//   - a stats.Sink receives session events, asynchronously
//
// # Getting Started
//
//	repo := auth.NewMemoryRepository()
//	if err := repo.Add(auth.UserRecord{
//	    Name:     "admin",
//	    Password: "admin",
//	    HomeDir:  "admin",
//	    Writable: true,
//	}); err != nil {
//	    log.Fatal(err)
//	}
//
//	driver, err := server.NewFSDriver("/srv/ftp", server.WithCreateHome(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := server.NewServer(":2121",
//	    server.WithDriver(driver),
//	    server.WithAuthenticator(auth.NewAuthenticator(repo)),
//	    server.WithAdmission(admission.New(admission.Limits{MaxConnectionsPerIP: 4})),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// # Authorization
//
// Every command that changes the filesystem (STOR, APPE, DELE, MKD, RMD,
// and both paths of RNFR/RNTO) asks the user's authority chain with an
// auth.WriteRequest on the normalized virtual path. RETR, STOR and APPE
// also resolve an auth.TransferRateRequest, which yields the bandwidth cap
// applied to the data connection. A denied request gets
// "550 Permission denied." and emits no stats event.
//
// # Data Connections
//
// PORT/EPRT and PASV/EPSV negotiate a data channel; the next transfer
// command consumes it. A newer negotiation closes an unused older one, and
// a passive listener accepts exactly one connection, from the control
// connection's peer, before closing. Transfers without a negotiated channel
// are answered "503 Bad sequence of commands.".
//
// When behind NAT, announce the public address and open a port range:
//
//	s, _ := server.NewServer(":21", ...,
//	    server.WithPublicHost("ftp.example.com"),
//	    server.WithPassivePortRange(30000, 30100),
//	)
//
// # Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := s.Shutdown(ctx)
//
// Shutdown stops the listener, answers idle sessions with 421 and waits for
// busy ones. When ctx expires every remaining connection is closed.
//
// # RFC Compliance
//
// The command surface follows:
//   - RFC 959 (Base FTP)
//   - RFC 1123 (Requirements for Internet Hosts - minimum implementation)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 2428 (IPv6 / NAT)
//   - RFC 3659 (SIZE, MDTM, REST STREAM)
package server
