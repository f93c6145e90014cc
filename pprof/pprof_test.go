package pprof

import (
	"context"
	"net/http"
	"testing"

	"github.com/wgfwd/wgfwd-go/tslogtest"
)

func TestServiceServesProfiles(t *testing.T) {
	logger := tslogtest.Config{}.NewTestLogger(t)
	s := Config{
		Enabled:       true,
		ListenAddress: "127.0.0.1:0",
	}.NewService(logger)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.ListenAddress().String() + "/debug/pprof/cmdline")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
