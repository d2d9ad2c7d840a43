package internal

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"golang.org/x/net/publicsuffix"
)

func newJar() http.CookieJar {
	// cookiejar.New never returns an error
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

func (s *Session) persists() bool { return s.cfg.PersistCookies && s.jar != nil }

// attachCookies sets the Cookie header of one hop: explicit request
// cookies first, then whatever the jar holds for the hop's URL.
func (s *Session) attachCookies(pr *PreparedRequest) *PreparedRequest {
	var stored []*http.Cookie
	if s.persists() {
		stored = s.jar.Cookies(pr.U)
	}
	return pr.AttachCookies(stored)
}

func (s *Session) storeCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 || !s.persists() {
		return
	}
	s.jar.SetCookies(u, cookies)
}

// Cookies returns the cookies the session would send to rawURL.
func (s *Session) Cookies(rawURL string) ([]*http.Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if s.jar == nil {
		return nil, nil
	}
	return s.jar.Cookies(u), nil
}

// SetCookies stores cookies as if rawURL had sent them.
func (s *Session) SetCookies(rawURL string, cookies ...*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if s.jar != nil {
		s.jar.SetCookies(u, cookies)
	}
	return nil
}
