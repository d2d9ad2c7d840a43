package asks_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/frankli0324/asks"
)

func ExampleSession() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"path":%q,"q":%q}`, r.URL.Path, r.URL.Query().Get("q"))
	}))
	defer srv.Close()

	cfg := asks.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Logging.Level = "error"
	s, err := asks.NewSession(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer s.Close()

	resp, err := s.Get(context.Background(), "/search",
		asks.WithParams(map[string][]string{"q": {"go"}}),
		asks.WithTimeout(5*time.Second))
	if err != nil {
		fmt.Println(err)
		return
	}
	var v struct {
		Path string `json:"path"`
		Q    string `json:"q"`
	}
	if err := resp.JSON(&v); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(resp.StatusCode, v.Path, v.Q)
	// Output: 200 /search go
}

func ExampleSession_stream() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "streamed body")
	}))
	defer srv.Close()

	s, _ := asks.NewSession(nil)
	defer s.Close()

	resp, err := s.Get(context.Background(), srv.URL, asks.WithStream())
	if err != nil {
		fmt.Println(err)
		return
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	fmt.Println(string(b), err)
	// Output: streamed body <nil>
}
