// Package nhtest provides an in-process fake of the NiceHash private API for
// tests.
package nhtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// Rigs is a small rigs2 payload: one mining rig with a descriptor device and
// a legacy device.
const Rigs = `{
  "miningRigs": [
    {
      "rigId": "rig-1",
      "name": "garage",
      "minerStatus": "MINING",
      "profitability": 0.0001,
      "localProfitability": 0.00012,
      "devices": [
        {
          "id": "dev-1",
          "name": "RTX 3080",
          "status": {"enumName": "MINING"},
          "intensity": {"enumName": "HIGH"},
          "nhqm": "V=2;OP=1;OPA=HIGH:1,MEDIUM:2,LOW:3"
        },
        {
          "id": "dev-2",
          "name": "GTX 1060",
          "status": {"enumName": "STOPPED"},
          "intensity": {"enumName": "LOW"}
        }
      ],
      "stats": [
        {"algorithm": {"enumName": "DAGGERHASHIMOTO"}, "speedAccepted": 95.2, "speedRejectedTotal": 0.4}
      ]
    }
  ],
  "unpaidAmount": "0.00005",
  "totalProfitability": 0.0001,
  "totalProfitabilityLocal": 0.00012
}`

// Account is an accounts2 payload.
const Account = `{"total":{"currency":"BTC","totalBalance":"0.015","available":"0.01","pending":"0.005"},"currencies":[]}`

// Request is one request received by the fake.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// Server is a fake NiceHash API. Zero status fields mean 200.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	requests      []Request
	rigs          string
	addressStatus int
	rigsStatus    int
	mutateStatus  string
}

// NewServer starts a fake API and closes it when t ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{rigs: Rigs, mutateStatus: `{"success":true}`}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetRigs replaces the rigs2 payload.
func (s *Server) SetRigs(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rigs = body
}

// FailAddress makes the mining address probe return status.
func (s *Server) FailAddress(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addressStatus = status
}

// FailRigs makes rigs2 return status.
func (s *Server) FailRigs(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rigsStatus = status
}

// SetMutateResponse replaces the status2 response body.
func (s *Server) SetMutateResponse(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateStatus = body
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Mutations returns the decoded bodies of status2 requests.
func (s *Server) Mutations() []map[string]interface{} {
	var out []map[string]interface{}
	for _, r := range s.Requests() {
		if r.Path != nicehash.PathRigStatus {
			continue
		}
		var body map[string]interface{}
		if err := json.Unmarshal(r.Body, &body); err == nil {
			out = append(out, body)
		}
	}
	return out
}

// Count returns how many requests hit path.
func (s *Server) Count(path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
	rigs, addressStatus, rigsStatus, mutate := s.rigs, s.addressStatus, s.rigsStatus, s.mutateStatus
	s.mu.Unlock()

	if !strings.Contains(r.Header.Get("X-Auth"), ":") || r.Header.Get("X-Organization-Id") == "" {
		writeError(w, http.StatusUnauthorized, "missing auth")
		return
	}

	switch r.URL.Path {
	case nicehash.PathMiningAddress:
		if addressStatus != 0 {
			writeError(w, addressStatus, "address unavailable")
			return
		}
		write(w, `{"address":"bc1qexample"}`)
	case nicehash.PathRigs:
		if rigsStatus != 0 {
			writeError(w, rigsStatus, "rigs unavailable")
			return
		}
		write(w, rigs)
	case nicehash.PathAccounts:
		write(w, Account)
	case nicehash.PathRigStatus:
		write(w, mutate)
	default:
		writeError(w, http.StatusNotFound, "no route")
	}
}

func write(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error_id": "fake",
		"errors":   []map[string]interface{}{{"code": 1, "message": msg}},
	})
}
