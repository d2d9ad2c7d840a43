package internal

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/frankli0324/asks/internal/model"
)

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (s *Session) redirectPolicy(r *model.Request) (follow bool, max int) {
	follow, max = s.cfg.Redirect.Follow, s.cfg.Redirect.Max
	if r != nil && r.Redirect != nil {
		follow = !r.Redirect.Disabled
		if r.Redirect.Max > 0 {
			max = r.Redirect.Max
		}
	}
	return
}

// follow runs the middleware chain once per hop until a response that is
// not a followed redirect arrives. Responses that are left behind are
// materialized so their connections return to the pool before the next
// hop is sent.
func (s *Session) follow(ctx context.Context, pr *PreparedRequest) (*model.Response, error) {
	doFollow, max := s.redirectPolicy(pr.Request)
	handler := s.chain()
	var history []*model.Response
	for hops := 0; ; hops++ {
		resp, err := handler(ctx, s.attachCookies(pr))
		if err != nil {
			return nil, err
		}
		s.storeCookies(pr.U, resp.Cookies)
		resp.History = history

		loc := resp.Header.Get("Location")
		if !doFollow || !isRedirect(resp.StatusCode) || loc == "" {
			return resp, nil
		}
		if hops >= max {
			resp.Body.Close()
			return nil, &model.RedirectLoopError{Max: max, URL: pr.U.String()}
		}
		target, err := pr.U.Parse(loc)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		next, err := pr.Redirect(target, resp.StatusCode)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if err := resp.Materialize(); err != nil {
			return nil, err
		}
		resp.History = nil
		history = append(history, resp)
		s.metrics.Redirect()
		s.log.Debug("following redirect",
			zap.Int("status", resp.StatusCode),
			zap.String("from", pr.U.String()),
			zap.String("to", target.String()))
		pr = next
	}
}
