// package asks is an HTTP/1.1 client built around per host connection
// pools. Every call blocks its goroutine only, thousands of calls may be in
// flight and each host is served by at most MaxConnsPerHost connections,
// callers beyond that queue in arrival order.
//
// the package only holds aliases and helpers, the implementation lives in
// internal/... so that the exported surface stays small:
//
//	s, _ := asks.NewSession(nil)
//	defer s.Close()
//	resp, err := s.Get(ctx, "https://example.com/", asks.WithTimeout(5*time.Second))
//
// responses are read into memory before Do returns unless WithStream is
// given, then the connection stays checked out until Response.Body was
// drained or closed.
package asks
