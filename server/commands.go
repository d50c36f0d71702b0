package server

// commandSpec describes how a verb is dispatched.
type commandSpec struct {
	handle func(*session, string) sessionState
	// needsAuth commands answer 530 unless the session is logged in.
	needsAuth bool
}

// stay adapts a handler that never changes the session state.
func stay(h func(*session, string)) func(*session, string) sessionState {
	return func(s *session, arg string) sessionState {
		h(s, arg)
		return s.state
	}
}

// commands maps FTP verbs to their handlers. Handlers must not refer back
// to this table.
var commands = map[string]commandSpec{
	// Access control
	"USER": {handle: (*session).handleUSER},
	"PASS": {handle: (*session).handlePASS},
	"REIN": {handle: (*session).handleREIN},
	"QUIT": {handle: (*session).handleQUIT},

	// Informational, allowed before login
	"NOOP": {handle: stay((*session).handleNOOP)},
	"SYST": {handle: stay((*session).handleSYST)},
	"FEAT": {handle: stay((*session).handleFEAT)},
	"STAT": {handle: stay((*session).handleSTAT)},
	"ABOR": {handle: stay((*session).handleABOR)},
	"MODE": {handle: stay((*session).handleMODE)},
	"STRU": {handle: stay((*session).handleSTRU)},

	// Navigation
	"PWD":  {handle: stay((*session).handlePWD), needsAuth: true},
	"XPWD": {handle: stay((*session).handlePWD), needsAuth: true},
	"CWD":  {handle: stay((*session).handleCWD), needsAuth: true},
	"XCWD": {handle: stay((*session).handleCWD), needsAuth: true},
	"CDUP": {handle: stay((*session).handleCDUP), needsAuth: true},
	"XCUP": {handle: stay((*session).handleCDUP), needsAuth: true},

	// Transfer parameters
	"TYPE": {handle: stay((*session).handleTYPE), needsAuth: true},
	"PORT": {handle: stay((*session).handlePORT), needsAuth: true},
	"EPRT": {handle: stay((*session).handleEPRT), needsAuth: true},
	"PASV": {handle: stay((*session).handlePASV), needsAuth: true},
	"EPSV": {handle: stay((*session).handleEPSV), needsAuth: true},
	"REST": {handle: stay((*session).handleREST), needsAuth: true},

	// Transfers
	"RETR": {handle: stay((*session).handleRETR), needsAuth: true},
	"STOR": {handle: stay((*session).handleSTOR), needsAuth: true},
	"APPE": {handle: stay((*session).handleAPPE), needsAuth: true},
	"LIST": {handle: stay((*session).handleLIST), needsAuth: true},
	"NLST": {handle: stay((*session).handleNLST), needsAuth: true},

	// File management
	"DELE": {handle: stay((*session).handleDELE), needsAuth: true},
	"MKD":  {handle: stay((*session).handleMKD), needsAuth: true},
	"XMKD": {handle: stay((*session).handleMKD), needsAuth: true},
	"RMD":  {handle: stay((*session).handleRMD), needsAuth: true},
	"XRMD": {handle: stay((*session).handleRMD), needsAuth: true},
	"RNFR": {handle: stay((*session).handleRNFR), needsAuth: true},
	"RNTO": {handle: stay((*session).handleRNTO), needsAuth: true},
	"SIZE": {handle: stay((*session).handleSIZE), needsAuth: true},
	"MDTM": {handle: stay((*session).handleMDTM), needsAuth: true},
}

// features is the FEAT list, one extension per line.
var features = []string{
	"EPRT",
	"EPSV",
	"MDTM",
	"PASV",
	"REST STREAM",
	"SIZE",
}
