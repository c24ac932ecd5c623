package main

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/harmonyd"
)

func startCLITestServer(t *testing.T, opts ...harmonyd.TestServerOption) string {
	t.Helper()
	opts = append([]harmonyd.TestServerOption{harmonyd.WithoutTestClient()}, opts...)
	ts := harmonyd.StartTestServer(t, opts...)
	return ts.Addr.String()
}

func decodeAll[T any](t *testing.T, raw string) []T {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	var out []T
	for {
		var v T
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		out = append(out, v)
	}
}

type fetchResult struct {
	Client    int64        `json:"client"`
	Point     *pointOutput `json:"point"`
	Best      *pointOutput `json:"best"`
	Busy      bool         `json:"busy"`
	Converged bool         `json:"converged"`
}

func TestClientFetchLaunchesSession(t *testing.T) {
	addr := startCLITestServer(t)
	stdout, _, err := executeRootCommand(t, "client", "--server", addr,
		"fetch", "--session", "cli", "--range", "x:int[0,4,1]", "--set", "random.seed=1", "-n", "2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	results := decodeAll[fetchResult](t, stdout)
	if len(results) != 2 {
		t.Fatalf("expected 2 fetch results, got %d: %s", len(results), stdout)
	}
	for _, res := range results {
		if res.Client != 1 {
			t.Fatalf("expected client id 1, got %d", res.Client)
		}
		if res.Point == nil || len(res.Point.Index) != 1 {
			t.Fatalf("expected a point, got %+v", res)
		}
		if _, ok := res.Point.Values["x"]; !ok {
			t.Fatalf("expected value for x, got %+v", res.Point.Values)
		}
	}
}

func TestClientReportUpdatesBest(t *testing.T) {
	addr := startCLITestServer(t)
	stdout, _, err := executeRootCommand(t, "client", "--server", addr,
		"report", "--session", "cli", "--range", "x:int[0,4,1]", "--point-id", "7", "--idx", "2", "--perf", "1.5")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var out struct {
		Best *pointOutput `json:"best"`
		Busy bool         `json:"busy"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if out.Busy || out.Best == nil || out.Best.ID != 7 || out.Best.Values["x"] != "2" {
		t.Fatalf("unexpected report output %s", stdout)
	}
}

func TestClientReportRequiresPoint(t *testing.T) {
	_, _, err := executeRootCommand(t, "client", "report", "--session", "cli", "--perf", "1")
	if err == nil || !strings.Contains(err.Error(), "--point-id and --idx") {
		t.Fatalf("expected missing point error, got %v", err)
	}
}

func TestClientFetchRequiresSession(t *testing.T) {
	addr := startCLITestServer(t)
	_, _, err := executeRootCommand(t, "client", "--server", addr, "fetch")
	if err == nil || !strings.Contains(err.Error(), "--session is required") {
		t.Fatalf("expected missing session error, got %v", err)
	}
}

func TestClientInformThenQuery(t *testing.T) {
	addr := startCLITestServer(t, harmonyd.WithTestConfigFunc(func(cfg *harmonyd.Config) {
		cfg.Strategy = "exhaustive"
	}))
	stdout, _, err := executeRootCommand(t, "client", "--server", addr, "query", "session.strategy")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if strings.TrimSpace(stdout) != "exhaustive" {
		t.Fatalf("expected exhaustive, got %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "client", "--server", addr, "inform", "tuning.note", "warm"); err != nil {
		t.Fatalf("inform: %v", err)
	}
	stdout, _, err = executeRootCommand(t, "client", "--server", addr, "inform", "tuning.note", "hot")
	if err != nil {
		t.Fatalf("inform: %v", err)
	}
	if strings.TrimSpace(stdout) != "warm" {
		t.Fatalf("expected previous value warm, got %q", stdout)
	}
}

func TestClientJoinUnknownSession(t *testing.T) {
	addr := startCLITestServer(t)
	_, _, err := executeRootCommand(t, "client", "--server", addr, "query", "session.strategy", "--session", "missing")
	if err == nil || !strings.Contains(err.Error(), "unknown_session") {
		t.Fatalf("expected unknown_session, got %v", err)
	}
}

func TestParsePairsAndIndex(t *testing.T) {
	pairs, err := parsePairs([]string{"random.seed = 3", "session.strategy=exhaustive"})
	if err != nil {
		t.Fatalf("parsePairs: %v", err)
	}
	if pairs["random.seed"] != "3" || pairs["session.strategy"] != "exhaustive" {
		t.Fatalf("unexpected pairs %v", pairs)
	}
	if _, err := parsePairs([]string{"novalue"}); err == nil {
		t.Fatal("expected error for pair without '='")
	}
	idx, err := parseIndex("3, 0 1")
	if err != nil {
		t.Fatalf("parseIndex: %v", err)
	}
	if len(idx) != 3 || idx[0] != 3 || idx[1] != 0 || idx[2] != 1 {
		t.Fatalf("unexpected index %v", idx)
	}
	if _, err := parseIndex("1,x"); err == nil {
		t.Fatal("expected error for non-numeric index")
	}
}
