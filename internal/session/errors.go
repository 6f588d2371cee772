package session

import "errors"

// ErrLoginFailed wraps the server's rejection reason string from a
// failed LoginResponse (spec §8 scenario-1 "login failure").
var ErrLoginFailed = errors.New("session: login rejected")
